package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// ExecutionStatus is the lifecycle state of one workflow execution.
// Once a status leaves running it is terminal.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Execution is the journaled record of one workflow run.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	Status         ExecutionStatus        `json:"status"`
	StartedAt      time.Time              `json:"startedAt"`
	EndedAt        *time.Time             `json:"endedAt,omitempty"`
	Context        map[string]interface{} `json:"context"`
	CompletedSteps []string               `json:"completedSteps"`
	Error          string                 `json:"error,omitempty"`
}

// Journal persists execution records to a single JSON file with
// atomic write-rename on every update. One writer; callers may be
// concurrent.
type Journal struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	records map[string]*Execution
}

// OpenJournal loads (or creates) the journal at path and repairs any
// record left in running state from a previous crash: such records are
// reclassified failed with reason "interrupted".
func OpenJournal(path string, log *logger.Logger) (*Journal, error) {
	j := &Journal{
		path:    path,
		logger:  log.WithFields(zap.String("component", "journal")),
		records: make(map[string]*Execution),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read journal: %w", err)
		}
		return j, nil
	}

	var records []*Execution
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt journal %s: %w", path, err)
	}

	repaired := 0
	now := time.Now().UTC()
	for _, r := range records {
		if r.Status == StatusRunning {
			r.Status = StatusFailed
			r.Error = "interrupted"
			r.EndedAt = &now
			repaired++
		}
		j.records[r.ID] = r
	}
	if repaired > 0 {
		j.logger.Warn("Repaired interrupted executions", zap.Int("count", repaired))
		if err := j.flushLocked(); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Record inserts or replaces an execution record and flushes atomically.
// The stored snapshot is a deep copy: a still-running execution keeps
// mutating its own context and step list without touching the journal.
func (j *Journal) Record(exec *Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[exec.ID] = cloneExecution(exec)
	return j.flushLocked()
}

// Get returns one execution record by id.
func (j *Journal) Get(id string) (*Execution, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[id]
	if !ok {
		return nil, false
	}
	return cloneExecution(r), true
}

// List returns records newest first, optionally filtered by workflow id.
func (j *Journal) List(workflowID string) []*Execution {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*Execution, 0, len(j.records))
	for _, r := range j.records {
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		out = append(out, cloneExecution(r))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	return out
}

// Size returns the journal file size in bytes.
func (j *Journal) Size() int64 {
	info, err := os.Stat(j.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// cloneExecution detaches a record from the live execution. Context
// values can be nested maps and slices from JSON, so the copy recurses.
func cloneExecution(e *Execution) *Execution {
	c := *e
	if e.EndedAt != nil {
		ended := *e.EndedAt
		c.EndedAt = &ended
	}
	if e.CompletedSteps != nil {
		c.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	}
	if e.Context != nil {
		c.Context = cloneContext(e.Context)
	}
	return &c
}

func cloneContext(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneContext(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func (j *Journal) flushLocked() error {
	records := make([]*Execution, 0, len(j.records))
	for _, r := range j.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, k int) bool {
		return records[i].StartedAt.Before(records[k].StartedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	if err := renameio.WriteFile(j.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}
