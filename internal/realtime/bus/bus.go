// Package bus relays realtime messages between API replicas.
package bus

import (
	"context"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
)

type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
