package alerts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// WatchLifecycle subscribes the alert store to agent lifecycle events,
// so connectivity loss shows up in the operator alert feed without the
// agent having to report anything itself.
func WatchLifecycle(eventBus bus.EventBus, store *Store, log *logger.Logger) (bus.Subscription, error) {
	l := log.WithFields(zap.String("component", "lifecycle-alerts"))
	return eventBus.Subscribe(events.AgentOffline, func(ctx context.Context, e *bus.Event) error {
		agentID, _ := e.Data["agent_id"].(string)
		if agentID == "" {
			return nil
		}
		err := store.Record(ctx, agentID, protocol.AlertWarning,
			fmt.Sprintf("agent %s went offline", agentID),
			map[string]interface{}{"source": e.Source})
		if err != nil {
			l.Warn("Failed to record offline alert",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		return err
	})
}
