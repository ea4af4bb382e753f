package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// recordingStep captures invocations and returns canned outputs.
type recordingStep struct {
	stepType string
	outputs  map[string]interface{}
	err      error

	mu      sync.Mutex
	configs []map[string]interface{}
}

func (s *recordingStep) Type() string { return s.stepType }

func (s *recordingStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.configs = append(s.configs, config)
	s.mu.Unlock()
	return s.outputs, s.err
}

func (s *recordingStep) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

type captureAlerts struct {
	mu     sync.Mutex
	alerts []protocol.AlertPayload
}

func (c *captureAlerts) EmitAlert(level protocol.AlertLevel, message string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, protocol.AlertPayload{Level: level, Message: message, Details: details})
}

func newTestEngine(t *testing.T, steps ...StepImpl) *Engine {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "state.json"), testLogger(t))
	require.NoError(t, err)
	registry := NewRegistry(&captureAlerts{})
	for _, s := range steps {
		registry.Register(s)
	}
	return NewEngine(registry, journal, testLogger(t))
}

func TestExecuteCompletesAndMergesOutputs(t *testing.T) {
	produce := &recordingStep{stepType: "produce", outputs: map[string]interface{}{"artifact": "/out/a.bin"}}
	consume := &recordingStep{stepType: "consume"}
	engine := newTestEngine(t, produce, consume)

	wf := &Workflow{
		ID:      "wf-1",
		Enabled: true,
		Steps: []Step{
			{ID: "p", Type: "produce", Next: []string{"c"}},
			{ID: "c", Type: "consume", Config: map[string]interface{}{"input": "{{.artifact}}"}},
		},
	}
	require.NoError(t, wf.Validate())

	exec, err := engine.Execute(context.Background(), wf, map[string]interface{}{"trigger": "manual"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, []string{"p", "c"}, exec.CompletedSteps)
	assert.Equal(t, "/out/a.bin", exec.Context["artifact"])
	require.Equal(t, 1, consume.calls())
	// Outputs of earlier steps are visible to later substitutions.
	assert.Equal(t, "/out/a.bin", consume.configs[0]["input"])
}

func TestExecuteRoutesToOnErrorBranch(t *testing.T) {
	failing := &recordingStep{stepType: "fragile", err: fmt.Errorf("disk full")}
	cleanup := &recordingStep{stepType: "cleanup"}
	skipped := &recordingStep{stepType: "skipped"}
	engine := newTestEngine(t, failing, cleanup, skipped)

	wf := &Workflow{
		ID:      "wf-err",
		Enabled: true,
		Steps: []Step{
			{ID: "work", Type: "fragile", Next: []string{"after"}, OnError: []string{"recover"}},
			{ID: "after", Type: "skipped"},
			{ID: "recover", Type: "cleanup"},
		},
	}

	exec, err := engine.Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, cleanup.calls())
	assert.Equal(t, 0, skipped.calls())
	// The failed step is not recorded as completed.
	assert.NotContains(t, exec.CompletedSteps, "work")
	assert.Contains(t, exec.CompletedSteps, "recover")
}

func TestExecuteFailsWithoutErrorBranch(t *testing.T) {
	failing := &recordingStep{stepType: "fragile", err: fmt.Errorf("disk full")}
	engine := newTestEngine(t, failing)

	wf := &Workflow{
		ID:      "wf-fail",
		Enabled: true,
		Steps:   []Step{{ID: "work", Type: "fragile"}},
	}

	exec, err := engine.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "work")
	assert.Contains(t, exec.Error, "disk full")
}

func TestExecuteUnknownStepTypeFails(t *testing.T) {
	engine := newTestEngine(t)

	wf := &Workflow{
		ID:      "wf-unknown",
		Enabled: true,
		Steps:   []Step{{ID: "x", Type: "teleport-file"}},
	}

	exec, err := engine.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "not implemented")
}

func TestExecuteDiamondJoinRunsOnce(t *testing.T) {
	join := &recordingStep{stepType: "join"}
	branch := &recordingStep{stepType: "branch"}
	engine := newTestEngine(t, join, branch)

	wf := &Workflow{
		ID:      "wf-diamond",
		Enabled: true,
		Trigger: Trigger{StartSteps: []string{"root"}},
		Steps: []Step{
			{ID: "root", Type: "branch", Next: []string{"left", "right"}},
			{ID: "left", Type: "branch", Next: []string{"merge"}},
			{ID: "right", Type: "branch", Next: []string{"merge"}},
			{ID: "merge", Type: "join"},
		},
	}
	require.NoError(t, wf.Validate())

	exec, err := engine.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, join.calls())
}

func TestExecuteByIDRejectsDisabled(t *testing.T) {
	engine := newTestEngine(t)
	engine.Load([]Workflow{{
		ID:    "wf-off",
		Steps: []Step{{ID: "a", Type: "alert"}},
	}})

	_, err := engine.ExecuteByID(context.Background(), "wf-off", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestLoadRejectsInvalidIndividually(t *testing.T) {
	engine := newTestEngine(t)
	loaded, rejected := engine.Load([]Workflow{
		{ID: "good", Enabled: true, Steps: []Step{{ID: "a", Type: "alert"}}},
		{ID: "cyclic", Steps: []Step{{ID: "a", Type: "alert", Next: []string{"a"}}}},
	})

	assert.Equal(t, 1, loaded)
	require.Len(t, rejected, 1)
	_, ok := engine.Get("good")
	assert.True(t, ok)
	_, ok = engine.Get("cyclic")
	assert.False(t, ok)
}
