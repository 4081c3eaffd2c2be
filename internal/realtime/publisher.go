package realtime

import (
	"context"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// Relay carries messages between replicas. A relay's forwarder delivers every
// published message back to each replica's hub, including the publisher's own.
type Relay interface {
	Publish(ctx context.Context, msg SSEMessage) error
}

// ProgressPublisher turns session snapshots into SSE messages.
type ProgressPublisher struct {
	log   *logger.Logger
	hub   *SSEHub
	relay Relay
}

// NewProgressPublisher broadcasts locally when relay is nil.
func NewProgressPublisher(log *logger.Logger, hub *SSEHub, relay Relay) *ProgressPublisher {
	return &ProgressPublisher{log: log.With("component", "ProgressPublisher"), hub: hub, relay: relay}
}

func (p *ProgressPublisher) Publish(ctx context.Context, snap progress.Snapshot) {
	msg := MessageFor(snap)
	if p.relay != nil {
		err := p.relay.Publish(ctx, msg)
		if err == nil {
			return
		}
		p.log.Warn("relay publish failed; broadcasting locally", "session_id", snap.SessionID, "error", err)
	}
	p.hub.Broadcast(msg)
}

// MessageFor wraps snap for its session channel. Terminal snapshots close the stream.
func MessageFor(snap progress.Snapshot) SSEMessage {
	ev := SSEEventSessionProgress
	if snap.Phase.Terminal() {
		ev = SSEEventSessionClosed
	}
	return SSEMessage{Channel: SessionChannel(snap.SessionID), Event: ev, Data: snap}
}

var _ progress.Publisher = (*ProgressPublisher)(nil)
