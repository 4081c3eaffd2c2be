package llm

import "github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"

func nopLogger() *logger.Logger { return logger.Nop() }
