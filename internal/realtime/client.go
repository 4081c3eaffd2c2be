package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// SSEClient is one open event stream. Outbound is closed by CloseClient.
type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage
	done     chan struct{}
	once     sync.Once
	Logger   *logger.Logger
}

// Done is closed once the client has been shut down.
func (c *SSEClient) Done() <-chan struct{} { return c.done }
