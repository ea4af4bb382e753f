package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// Engine walks workflow step graphs. Within one execution steps run
// sequentially in queue order; across executions the engine is
// concurrent. Every context mutation and status transition is flushed
// to the journal before the walk proceeds.
type Engine struct {
	registry *Registry
	journal  *Journal
	logger   *logger.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewEngine creates an engine over the given step registry and journal.
func NewEngine(registry *Registry, journal *Journal, log *logger.Logger) *Engine {
	return &Engine{
		registry:  registry,
		journal:   journal,
		logger:    log.WithFields(zap.String("component", "workflow-engine")),
		workflows: make(map[string]*Workflow),
	}
}

// Load replaces the workflow table. Invalid workflows are rejected
// individually with a named reason; the rest stay active. In-flight
// executions are not cancelled.
func (e *Engine) Load(workflows []Workflow) (loaded int, rejected []error) {
	table := make(map[string]*Workflow, len(workflows))
	for i := range workflows {
		wf := workflows[i]
		if err := wf.Validate(); err != nil {
			rejected = append(rejected, err)
			e.logger.Warn("Workflow rejected at load", zap.Error(err))
			continue
		}
		table[wf.ID] = &wf
	}

	e.mu.Lock()
	e.workflows = table
	e.mu.Unlock()

	e.logger.Info("Workflow table loaded",
		zap.Int("loaded", len(table)),
		zap.Int("rejected", len(rejected)))
	return len(table), rejected
}

// Remove drops one workflow from the table.
func (e *Engine) Remove(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[workflowID]; !ok {
		return false
	}
	delete(e.workflows, workflowID)
	return true
}

// Get returns a loaded workflow by id.
func (e *Engine) Get(workflowID string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[workflowID]
	return wf, ok
}

// GetByName returns a loaded workflow by human name.
func (e *Engine) GetByName(name string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, wf := range e.workflows {
		if wf.Name == name {
			return wf, true
		}
	}
	return nil, false
}

// List returns all loaded workflows.
func (e *Engine) List() []*Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	return out
}

// Execute runs a workflow to a terminal status and returns the journaled
// record. The initial context is seeded by the trigger.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, initial map[string]interface{}) (*Execution, error) {
	execCtx := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		execCtx[k] = v
	}

	exec := &Execution{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Status:         StatusRunning,
		StartedAt:      time.Now().UTC(),
		Context:        execCtx,
		CompletedSteps: []string{},
	}
	if err := e.journal.Record(exec); err != nil {
		return nil, fmt.Errorf("failed to journal execution start: %w", err)
	}

	log := e.logger.WithFields(
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", exec.ID))
	log.Info("Workflow execution started")

	visited := make(map[string]bool)
	queue := append([]string{}, wf.StartSteps()...)

	finish := func(status ExecutionStatus, errMsg string) {
		now := time.Now().UTC()
		exec.Status = status
		exec.EndedAt = &now
		exec.Error = errMsg
		if err := e.journal.Record(exec); err != nil {
			log.Error("Failed to journal terminal status", zap.Error(err))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			finish(StatusCancelled, "cancelled")
			return exec, nil
		}

		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			// Diamond joins reach the same step twice; run it once.
			continue
		}
		visited[id] = true

		step, ok := wf.StepByID(id)
		if !ok {
			finish(StatusFailed, fmt.Sprintf("step %q not found", id))
			return exec, nil
		}

		// Substitution happens immediately before invocation so earlier
		// steps' outputs are visible.
		config := SubstituteConfig(step.Config, exec.Context)
		impl := e.registry.Resolve(step.Type)

		outputs, err := impl.Execute(ctx, config)
		if err != nil {
			log.Warn("Step failed",
				zap.String("step_id", step.ID),
				zap.String("step_type", step.Type),
				zap.Error(err))
			if len(step.OnError) > 0 {
				queue = append(queue, step.OnError...)
				if jerr := e.journal.Record(exec); jerr != nil {
					log.Error("Failed to journal step failure", zap.Error(jerr))
				}
				continue
			}
			finish(StatusFailed, fmt.Sprintf("step %s: %v", step.ID, err))
			return exec, nil
		}

		for k, v := range outputs {
			exec.Context[k] = v
		}
		exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
		if err := e.journal.Record(exec); err != nil {
			log.Error("Failed to journal step completion", zap.Error(err))
		}

		queue = append(queue, step.Next...)
	}

	finish(StatusCompleted, "")
	log.Info("Workflow execution completed",
		zap.Int("steps", len(exec.CompletedSteps)))
	return exec, nil
}

// ExecuteByID triggers a loaded workflow by id.
func (e *Engine) ExecuteByID(ctx context.Context, workflowID string, initial map[string]interface{}) (*Execution, error) {
	wf, ok := e.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("workflow %q not loaded", workflowID)
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("workflow %q is disabled", workflowID)
	}
	return e.Execute(ctx, wf, initial)
}

// ExecuteByName triggers a loaded workflow by name, used by WF: hook
// references in file-watcher rules.
func (e *Engine) ExecuteByName(ctx context.Context, name string, initial map[string]interface{}) (*Execution, error) {
	wf, ok := e.GetByName(name)
	if !ok {
		return nil, fmt.Errorf("workflow named %q not loaded", name)
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("workflow %q is disabled", name)
	}
	return e.Execute(ctx, wf, initial)
}
