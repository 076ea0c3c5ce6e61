package metrics

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollectLogsExtraFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(time.Minute, zap.New(core))
	c.AddFields(func() []zap.Field {
		return []zap.Field{zap.Int("cells", 12)}
	})

	m := c.Collect()
	if m == nil || m.Timestamp.IsZero() {
		t.Fatal("expected a timestamped sample")
	}
	if c.Last() != m {
		t.Error("expected Last to return the latest sample")
	}

	entries := logs.FilterMessage("System metrics").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 metrics log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["cells"]; got != int64(12) {
		t.Errorf("expected cells=12 field, got %v", got)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	c := NewCollector(0, zap.NewNop())
	if c.interval != 30*time.Second {
		t.Errorf("expected short interval to fall back to 30s, got %v", c.interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop after cancel")
	}
}
