// Package watcher implements the agent's file-watching rule engine:
// fsnotify subscription in absolute and pattern modes, the per-event
// filter pipeline, debouncing, time windows, and the operation and
// hook runner.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/agent/workflow"
	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// queueDepth bounds each rule's pending event FIFO.
const queueDepth = 256

// fileEvent is one admitted file-system event bound to a rule.
type fileEvent struct {
	Path string
	Name string
	Dir  string
	Op   string
}

// Watcher owns the fsnotify subscription and the rule worker pool.
// Within one rule events are processed in arrival order; across rules
// processing is concurrent up to the configured worker cap.
type Watcher struct {
	settings Settings
	engine   *workflow.Engine
	alerts   workflow.AlertEmitter
	logger   *logger.Logger

	rules  []*compiledRule
	fsw    *fsnotify.Watcher
	sem    chan struct{}
	queues map[string]chan fileEvent

	debounceMu sync.Mutex
	lastFired  map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a watcher over the given rules. Invalid rules are rejected
// individually with a named reason; the rest stay active.
func New(settings Settings, rules []Rule, engine *workflow.Engine, alerts workflow.AlertEmitter, log *logger.Logger) (*Watcher, []error) {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = DefaultMaxConcurrent
	}

	w := &Watcher{
		settings:  settings,
		engine:    engine,
		alerts:    alerts,
		logger:    log.WithFields(zap.String("component", "filewatcher")),
		sem:       make(chan struct{}, settings.MaxConcurrent),
		queues:    make(map[string]chan fileEvent),
		lastFired: make(map[string]time.Time),
	}

	var rejected []error
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := r.compile()
		if err != nil {
			rejected = append(rejected, err)
			w.logger.Warn("Rule rejected at load", zap.Error(err))
			continue
		}
		w.rules = append(w.rules, compiled)
	}
	return w, rejected
}

// RuleCount returns the number of active rules.
func (w *Watcher) RuleCount() int {
	return len(w.rules)
}

// Start subscribes to the watched directories and launches the
// dispatcher and one worker per rule.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	ctx, w.cancel = context.WithCancel(ctx)

	for _, rule := range w.rules {
		for _, dir := range w.ruleDirs(rule) {
			if err := w.watchTree(dir, rule.Recursive || w.settings.ScanSubDir); err != nil {
				w.logger.Warn("Failed to watch directory",
					zap.String("rule_id", rule.ID), zap.String("dir", dir), zap.Error(err))
			}
		}
		queue := make(chan fileEvent, queueDepth)
		w.queues[rule.ID] = queue
		w.wg.Add(1)
		go w.worker(ctx, rule, queue)
	}

	w.wg.Add(1)
	go w.dispatch(ctx)

	w.logger.Info("File watcher started",
		zap.Int("rules", len(w.rules)),
		zap.Int("max_concurrent", w.settings.MaxConcurrent))
	return nil
}

// Stop cancels workers, closes the subscription, and waits.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

// ruleDirs resolves the directories a rule watches. Pattern rules
// enumerate the scan root for matching subtrees.
func (w *Watcher) ruleDirs(rule *compiledRule) []string {
	if rule.Mode == ModeAbsolute {
		return []string{rule.Directory}
	}
	if w.settings.ScanDir == "" {
		w.logger.Warn("Pattern rule without a scan root", zap.String("rule_id", rule.ID))
		return nil
	}

	var dirs []string
	filepath.Walk(w.settings.ScanDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.settings.ScanDir, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if rule.directoryRe.MatchString(rel) {
			dirs = append(dirs, path)
		}
		if !w.settings.ScanSubDir && filepath.Dir(path) != w.settings.ScanDir {
			return filepath.SkipDir
		}
		return nil
	})
	return dirs
}

// watchTree subscribes to dir, and to its subtree when recursive.
func (w *Watcher) watchTree(dir string, recursive bool) error {
	if !recursive {
		return w.fsw.Add(dir)
	}
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// dispatch fans incoming events out to the per-rule queues.
func (w *Watcher) dispatch(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// New directories extend the subscription: pattern rules
	// re-enumerate when the scan root's topology changes.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.extendWatch(ev.Name)
			return
		}
	}

	path := filepath.Clean(ev.Name)
	evt := fileEvent{
		Path: path,
		Name: filepath.Base(path),
		Dir:  filepath.Dir(path),
		Op:   ev.Op.String(),
	}

	for _, rule := range w.rules {
		if !w.matchesPath(rule, evt) {
			continue
		}
		if !rule.filenameRe.MatchString(evt.Name) {
			continue
		}
		select {
		case w.queues[rule.ID] <- evt:
		default:
			w.logger.Warn("Rule queue full, event dropped",
				zap.String("rule_id", rule.ID), zap.String("path", evt.Path))
		}
	}
}

// extendWatch wires a newly created directory into matching rules.
func (w *Watcher) extendWatch(dir string) {
	for _, rule := range w.rules {
		switch rule.Mode {
		case ModeAbsolute:
			if rule.Recursive && isUnder(dir, rule.Directory) {
				w.fsw.Add(dir)
			}
		case ModePattern:
			if w.settings.ScanDir == "" || !isUnder(dir, w.settings.ScanDir) {
				continue
			}
			rel, err := filepath.Rel(w.settings.ScanDir, dir)
			if err == nil && rule.directoryRe.MatchString(rel) {
				w.fsw.Add(dir)
			}
		}
	}
}

// matchesPath applies the rule's directory selector.
func (w *Watcher) matchesPath(rule *compiledRule, evt fileEvent) bool {
	switch rule.Mode {
	case ModeAbsolute:
		if rule.Recursive {
			return isUnder(evt.Dir, rule.Directory) || evt.Dir == filepath.Clean(rule.Directory)
		}
		return evt.Dir == filepath.Clean(rule.Directory)
	case ModePattern:
		if w.settings.ScanDir == "" || !isUnder(evt.Dir, w.settings.ScanDir) {
			return false
		}
		rel, err := filepath.Rel(w.settings.ScanDir, evt.Dir)
		if err != nil {
			return false
		}
		return rule.directoryRe.MatchString(rel)
	}
	return false
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// worker drains one rule's FIFO. The global semaphore caps concurrent
// processors across rules while this loop preserves per-rule order. A
// slot is taken only once the event clears the filter phase, so rules
// waiting out a time window or delay never starve the others.
func (w *Watcher) worker(ctx context.Context, rule *compiledRule, queue chan fileEvent) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-queue:
			if !w.admit(ctx, rule, evt) {
				continue
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			w.process(ctx, rule, evt)
			<-w.sem

			if rule.DelayNextFileSecs > 0 {
				select {
				case <-time.After(time.Duration(rule.DelayNextFileSecs) * time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// debounced records the firing and reports whether the (rule, path)
// pair is still cooling down from a previous one.
func (w *Watcher) debounced(rule *compiledRule, path string, now time.Time) bool {
	key := rule.ID + "|" + path
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if last, ok := w.lastFired[key]; ok && now.Sub(last) < rule.debounce() {
		return true
	}
	w.lastFired[key] = now
	return false
}
