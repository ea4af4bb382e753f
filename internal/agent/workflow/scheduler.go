package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// Scheduler fires schedule-triggered workflows on fixed intervals.
// Full cron expressions are a known limitation; interval scheduling is
// the supported form.
type Scheduler struct {
	engine *Engine
	logger *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewScheduler creates a scheduler bound to an engine.
func NewScheduler(engine *Engine, log *logger.Logger) *Scheduler {
	return &Scheduler{
		engine:  engine,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Reload stops all timers and starts one per enabled schedule-triggered
// workflow currently loaded in the engine.
func (s *Scheduler) Reload(ctx context.Context) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.engine.List() {
		if wf.Trigger.Type != TriggerSchedule || !wf.Enabled {
			continue
		}
		interval := time.Duration(wf.Trigger.IntervalSeconds) * time.Second
		if interval <= 0 {
			s.logger.Warn("Schedule trigger without a positive interval, skipping",
				zap.String("workflow_id", wf.ID))
			continue
		}

		wfCtx, cancel := context.WithCancel(ctx)
		s.cancels[wf.ID] = cancel
		go s.run(wfCtx, wf.ID, interval)
	}
}

func (s *Scheduler) run(ctx context.Context, workflowID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Schedule started",
		zap.String("workflow_id", workflowID),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case fired := <-ticker.C:
			initial := map[string]interface{}{
				"trigger":       TriggerSchedule,
				"timestamp":     time.Now().UTC().Format(time.RFC3339),
				"scheduledTime": fired.UTC().Format(time.RFC3339),
			}
			if _, err := s.engine.ExecuteByID(ctx, workflowID, initial); err != nil {
				s.logger.Warn("Scheduled execution failed to start",
					zap.String("workflow_id", workflowID), zap.Error(err))
			}
		}
	}
}

// Stop cancels all running timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}
