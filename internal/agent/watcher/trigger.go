package watcher

import (
	"github.com/flowmesh/flowmesh/internal/agent/workflow"
)

// WorkflowRules synthesizes one absolute-mode rule per enabled
// file-trigger workflow, so a file landing in the trigger directory
// starts an execution. The rules carry no operations; the workflow is
// the processing.
func WorkflowRules(workflows []*workflow.Workflow) []Rule {
	var rules []Rule
	for _, wf := range workflows {
		if !wf.Enabled || wf.Trigger.Type != workflow.TriggerFile || wf.Trigger.Directory == "" {
			continue
		}
		rules = append(rules, Rule{
			ID:              "workflow-trigger:" + wf.ID,
			Name:            wf.Name,
			Enabled:         true,
			Mode:            ModeAbsolute,
			Directory:       wf.Trigger.Directory,
			FilenamePattern: ".*",
			workflowID:      wf.ID,
		})
	}
	return rules
}
