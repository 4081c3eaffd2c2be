package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
)

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_CHANNEL", "")

	cfg := RedisConfigFromEnv()
	if cfg.Addr != "localhost:6379" || cfg.DB != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Channel != "upload_session_progress" {
		t.Fatalf("channel default: got %q", cfg.Channel)
	}
}

func TestNewRedisBusRequiresAddr(t *testing.T) {
	if _, err := NewRedisBus(logger.Nop(), RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
	if _, err := NewRedisBus(nil, RedisConfig{Addr: "localhost:6379"}); err == nil {
		t.Fatalf("expected error without logger")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	b, err := NewRedisBus(logger.Nop(), RedisConfig{Addr: addr, Channel: "test_" + uuid.NewString()})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan realtime.SSEMessage, 1)
	if err := b.StartForwarder(ctx, func(m realtime.SSEMessage) { got <- m }); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}
	channel := realtime.SessionChannel(uuid.New())
	if err := b.Publish(ctx, realtime.SSEMessage{Channel: channel, Event: realtime.SSEEventSessionProgress}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-got:
		if m.Channel != channel || m.Event != realtime.SSEEventSessionProgress {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for forwarded message")
	}
}
