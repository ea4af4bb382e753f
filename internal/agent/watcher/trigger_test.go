package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/agent/workflow"
)

func TestWorkflowRulesSynthesis(t *testing.T) {
	rules := WorkflowRules([]*workflow.Workflow{
		{ID: "wf-1", Name: "ingest", Enabled: true,
			Trigger: workflow.Trigger{Type: workflow.TriggerFile, Directory: "/in"},
			Steps:   []workflow.Step{{ID: "s", Type: "alert"}}},
		{ID: "wf-disabled", Enabled: false,
			Trigger: workflow.Trigger{Type: workflow.TriggerFile, Directory: "/in"}},
		{ID: "wf-scheduled", Enabled: true,
			Trigger: workflow.Trigger{Type: workflow.TriggerSchedule, IntervalSeconds: 60}},
		{ID: "wf-no-dir", Enabled: true,
			Trigger: workflow.Trigger{Type: workflow.TriggerFile}},
	})

	require.Len(t, rules, 1)
	assert.Equal(t, "workflow-trigger:wf-1", rules[0].ID)
	assert.Equal(t, ModeAbsolute, rules[0].Mode)
	assert.Equal(t, "/in", rules[0].Directory)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, "wf-1", rules[0].workflowID)
}

func TestFileTriggerStartsWorkflow(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	journal, err := workflow.OpenJournal(filepath.Join(t.TempDir(), "state.json"), testLogger(t))
	require.NoError(t, err)
	engine := workflow.NewEngine(workflow.NewRegistry(nil), journal, testLogger(t))
	_, rejected := engine.Load([]workflow.Workflow{{
		ID:      "wf-ingest",
		Name:    "ingest",
		Enabled: true,
		Trigger: workflow.Trigger{Type: workflow.TriggerFile, Directory: inDir},
		Steps: []workflow.Step{{
			ID:   "archive",
			Type: "copy-file",
			Config: map[string]interface{}{
				"source":      "{{.filePath}}",
				"destination": filepath.Join(outDir, "{{.fileName}}"),
			},
		}},
	}})
	require.Empty(t, rejected)

	w, rejectedRules := New(Settings{MaxConcurrent: 1}, WorkflowRules(engine.List()), engine, nil, testLogger(t))
	require.Empty(t, rejectedRules)
	require.Equal(t, 1, w.RuleCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(inDir, "drop.csv"), []byte("payload"), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for {
		runs := journal.List("wf-ingest")
		if len(runs) > 0 && runs[0].Status == workflow.StatusCompleted {
			assert.Equal(t, "drop.csv", runs[0].Context["fileName"])
			assert.Equal(t, []string{"archive"}, runs[0].CompletedSteps)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow never executed for the dropped file")
		}
		time.Sleep(25 * time.Millisecond)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "drop.csv"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
