package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init app: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start background workers", "error", err)
		return 1
	}

	a.Log.Info("Server listening", "address", a.Cfg.HTTPAddr, "dispatch_mode", a.Cfg.DispatchMode)
	if err := a.Run(ctx); err != nil {
		a.Log.Error("Server failed", "error", err)
		return 1
	}
	a.Log.Info("Server stopped")
	return 0
}
