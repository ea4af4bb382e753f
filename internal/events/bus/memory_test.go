package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// collector gathers delivered events across goroutines.
type collector struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 16)}
}

func (c *collector) handler(ctx context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event{}, c.events...)
}

func TestMemoryBusLiteralSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe("agent.connected", c.handler)
	require.NoError(t, err)

	event := NewEvent("agent.connected", "test", map[string]interface{}{"agent_id": "a1"})
	require.NoError(t, b.Publish(context.Background(), "agent.connected", event))

	got := c.wait(t, 1)
	assert.Equal(t, "a1", got[0].Data["agent_id"])
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe("agent.*", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.offline", NewEvent("agent.offline", "test", nil)))
	c.wait(t, 1)

	// A deeper subject must not match a single-token wildcard.
	require.NoError(t, b.Publish(context.Background(), "agent.config.pushed", NewEvent("agent.config.pushed", "test", nil)))
	select {
	case <-c.seen:
		t.Fatal("agent.* matched a two-token tail")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe("config.>", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "config.updated", NewEvent("config.updated", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "config.pushed.agent", NewEvent("config.pushed.agent", "test", nil)))
	got := c.wait(t, 2)
	assert.Len(t, got, 2)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	c := newCollector()
	sub, err := b.Subscribe("alert.raised", c.handler)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "alert.raised", NewEvent("alert.raised", "test", nil)))
	select {
	case <-c.seen:
		t.Fatal("unsubscribed handler received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()
	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	require.Error(t, err)
}
