package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/agent/workflow"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// contentProbeLimit bounds how much of a file the content filter reads.
const contentProbeLimit = 64 * 1024

// workflowHookPrefix marks a hook field as a workflow reference.
const workflowHookPrefix = "WF:"

// admit runs the slot-free filter phase for one event: content match,
// debounce, the clock window, and the process-after delay. Deferred
// waits happen here so a rule sitting out its window does not occupy a
// processor slot other rules could use.
func (w *Watcher) admit(ctx context.Context, rule *compiledRule, evt fileEvent) bool {
	log := w.logger.WithFields(
		zap.String("rule_id", rule.ID),
		zap.String("path", evt.Path))

	if rule.contentRe != nil && !w.contentMatches(rule, evt.Path) {
		return false
	}

	if w.debounced(rule, evt.Path, time.Now()) {
		log.Debug("Event dropped by debounce window")
		return false
	}

	if ok, next := rule.admitsTime(time.Now()); !ok {
		log.Debug("Deferred to next admitting window", zap.Time("until", next))
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return false
		}
	}

	if rule.ProcessAfterSecs > 0 {
		select {
		case <-time.After(time.Duration(rule.ProcessAfterSecs) * time.Second):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// process runs the slot-holding phase for an admitted event: the in-use
// check, the hooks, and the operation sequence or the bound workflow.
// Any step failure runs the on-error hook and terminates the pipeline
// for this file.
func (w *Watcher) process(ctx context.Context, rule *compiledRule, evt fileEvent) {
	log := w.logger.WithFields(
		zap.String("rule_id", rule.ID),
		zap.String("path", evt.Path))

	if rule.CheckInUse && !w.waitNotInUse(ctx, rule, evt.Path) {
		log.Warn("File stayed locked past the retry budget")
		w.emitAlert(protocol.AlertError, fmt.Sprintf("file %s is in use and retries are exhausted", evt.Path), rule)
		w.runHook(ctx, rule, rule.OnError, evt)
		return
	}

	if rule.workflowID != "" {
		if err := w.startWorkflow(ctx, rule, evt); err != nil {
			log.Warn("Trigger workflow failed", zap.Error(err))
			w.emitAlert(protocol.AlertError, fmt.Sprintf("workflow trigger for %s failed: %v", evt.Path, err), rule)
			return
		}
		log.Info("File processed")
		return
	}

	if rule.Before != "" {
		if err := w.runHook(ctx, rule, rule.Before, evt); err != nil {
			log.Warn("Before hook failed", zap.Error(err))
			w.runHook(ctx, rule, rule.OnError, evt)
			return
		}
	}

	if err := w.applyOperations(rule, evt); err != nil {
		log.Warn("Operation sequence failed", zap.Error(err))
		w.emitAlert(protocol.AlertError, fmt.Sprintf("rule %s failed on %s: %v", rule.ID, evt.Path, err), rule)
		w.runHook(ctx, rule, rule.OnError, evt)
		return
	}

	if rule.After != "" {
		if err := w.runHook(ctx, rule, rule.After, evt); err != nil {
			log.Warn("After hook failed", zap.Error(err))
			w.runHook(ctx, rule, rule.OnError, evt)
			return
		}
	}

	log.Info("File processed")
}

// startWorkflow runs the workflow bound to a synthesized trigger rule,
// seeding the execution context with the file details.
func (w *Watcher) startWorkflow(ctx context.Context, rule *compiledRule, evt fileEvent) error {
	initial := map[string]interface{}{
		"trigger":   workflow.TriggerFile,
		"file":      evt.Path,
		"filePath":  evt.Path,
		"fileName":  evt.Name,
		"directory": evt.Dir,
		"event":     evt.Op,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	run, err := w.engine.ExecuteByID(ctx, rule.workflowID, initial)
	if err != nil {
		return err
	}
	if run.Status != workflow.StatusCompleted {
		return fmt.Errorf("workflow %s ended %s: %s", rule.workflowID, run.Status, run.Error)
	}
	return nil
}

// contentMatches probes a bounded prefix of the file against the
// content regex.
func (w *Watcher) contentMatches(rule *compiledRule, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, contentProbeLimit)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false
	}
	return rule.contentRe.Match(buf[:n])
}

// waitNotInUse test-opens the file for exclusive access, requeueing up
// to MaxRetries times with RetryDelay between attempts.
func (w *Watcher) waitNotInUse(ctx context.Context, rule *compiledRule, path string) bool {
	retries := rule.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := time.Duration(rule.RetryDelaySecs) * time.Second
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; attempt <= retries; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return true
		}
		if os.IsNotExist(err) {
			return false
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// applyOperations runs copy-to, backup-to, rename, and remove-after in
// declared order.
func (w *Watcher) applyOperations(rule *compiledRule, evt fileEvent) error {
	current := evt.Path
	name := evt.Name
	if rule.InsertTimestamp {
		name = timestampedName(name)
	}

	if rule.CopyTo != "" {
		dest := filepath.Join(rule.CopyTo, name)
		if err := w.transferFile(current, dest, rule.TempExtension, rule.Overwrite); err != nil {
			return fmt.Errorf("copy-to: %w", err)
		}
	}
	if rule.BackupTo != "" {
		dest := filepath.Join(rule.BackupTo, name)
		if err := w.transferFile(current, dest, "", true); err != nil {
			return fmt.Errorf("backup-to: %w", err)
		}
	}
	if rule.RenameTo != "" {
		dest := filepath.Join(evt.Dir, rule.RenameTo)
		if rule.InsertTimestamp {
			dest = filepath.Join(evt.Dir, timestampedName(rule.RenameTo))
		}
		if !rule.Overwrite {
			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("rename: destination %s exists", dest)
			}
		}
		if err := os.Rename(current, dest); err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		current = dest
	}
	if rule.RemoveAfter {
		if err := os.Remove(current); err != nil {
			return fmt.Errorf("remove-after: %w", err)
		}
	}
	return nil
}

// transferFile copies source to dest, honoring the overwrite policy.
// With a temp extension the copy lands beside dest and is renamed into
// place so downstream watchers never observe a partial file.
func (w *Watcher) transferFile(source, dest, tempExt string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("destination %s exists", dest)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	target := dest
	if tempExt != "" {
		if !strings.HasPrefix(tempExt, ".") {
			tempExt = "." + tempExt
		}
		target = dest + tempExt
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if target != dest {
		return os.Rename(target, dest)
	}
	return nil
}

// timestampedName inserts a timestamp before the extension.
func timestampedName(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return stem + "_" + time.Now().Format("20060102-150405") + ext
}

// runHook executes a hook field: a WF:<name> workflow reference runs
// synchronously through the engine, anything else is a shell command
// with the file details exported in the environment.
func (w *Watcher) runHook(ctx context.Context, rule *compiledRule, spec string, evt fileEvent) error {
	if spec == "" {
		return nil
	}

	if wfName, ok := strings.CutPrefix(spec, workflowHookPrefix); ok {
		initial := map[string]interface{}{
			"trigger":   "filewatcher",
			"file":      evt.Path,
			"filePath":  evt.Path,
			"fileName":  evt.Name,
			"directory": evt.Dir,
			"event":     evt.Op,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		run, err := w.engine.ExecuteByName(ctx, wfName, initial)
		if err != nil {
			return err
		}
		if run.Status != workflow.StatusCompleted {
			return fmt.Errorf("workflow %s ended %s: %s", wfName, run.Status, run.Error)
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", spec)
	cmd.Env = append(os.Environ(),
		"FM_FILE="+evt.Path,
		"FM_FILE_NAME="+evt.Name,
		"FM_DIRECTORY="+evt.Dir,
		"FM_EVENT="+evt.Op,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("hook %q: %w: %s", spec, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (w *Watcher) emitAlert(level protocol.AlertLevel, message string, rule *compiledRule) {
	if w.alerts == nil {
		return
	}
	w.alerts.EmitAlert(level, message, map[string]interface{}{
		"subsystem": "filewatcher",
		"ruleId":    rule.ID,
	})
}
