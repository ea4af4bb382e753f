// Package workflow implements the agent's graph-based workflow
// execution engine: definitions, load-time validation, template
// substitution, the step catalog, and the crash-recoverable journal.
package workflow

import (
	"fmt"
)

// Trigger types.
const (
	TriggerFile        = "file"
	TriggerFileWatcher = "filewatcher"
	TriggerSchedule    = "schedule"
	TriggerManual      = "manual"
	TriggerWebhook     = "webhook" // reserved, not implemented in the core
)

// Trigger describes what initiates a workflow execution.
type Trigger struct {
	Type            string   `json:"type"`
	Directory       string   `json:"directory,omitempty"`       // file trigger
	IntervalSeconds int      `json:"intervalSeconds,omitempty"` // schedule trigger
	StartSteps      []string `json:"startSteps,omitempty"`
}

// Step is one unit of work in a workflow graph. Config is a free-form
// map interpreted by the step implementation after template substitution.
type Step struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Name    string                 `json:"name,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Next    []string               `json:"next,omitempty"`
	OnError []string               `json:"onError,omitempty"`
}

// Workflow is a directed acyclic graph of steps plus its trigger.
type Workflow struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Enabled     bool    `json:"enabled"`
	Trigger     Trigger `json:"trigger"`
	Steps       []Step  `json:"steps"`
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StartSteps resolves the trigger's designated start steps, defaulting
// to the first step when absent.
func (w *Workflow) StartSteps() []string {
	if len(w.Trigger.StartSteps) > 0 {
		return w.Trigger.StartSteps
	}
	if len(w.Steps) > 0 {
		return []string{w.Steps[0].ID}
	}
	return nil
}

// Validate enforces the load-time invariants: unique step ids, resolvable
// successor references, resolvable start steps, and an acyclic graph.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step with empty id", w.ID)
		}
		if s.Type == "" {
			return fmt.Errorf("workflow %s: step %s has no type", w.ID, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", w.ID, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range w.Steps {
		for _, ref := range append(append([]string{}, s.Next...), s.OnError...) {
			if !ids[ref] {
				return fmt.Errorf("workflow %s: step %s references unknown step %q", w.ID, s.ID, ref)
			}
		}
	}
	for _, ref := range w.Trigger.StartSteps {
		if !ids[ref] {
			return fmt.Errorf("workflow %s: start step %q does not exist", w.ID, ref)
		}
	}

	if cycle := w.findCycle(); cycle != "" {
		return fmt.Errorf("workflow %s: step graph contains a cycle through %q", w.ID, cycle)
	}
	return nil
}

// findCycle runs a three-color DFS over success and error edges; returns
// the id of a step on a cycle, or empty.
func (w *Workflow) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		step, ok := w.StepByID(id)
		if ok {
			for _, next := range append(append([]string{}, step.Next...), step.OnError...) {
				switch color[next] {
				case gray:
					return next
				case white:
					if c := visit(next); c != "" {
						return c
					}
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range w.Steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != "" {
				return c
			}
		}
	}
	return ""
}
