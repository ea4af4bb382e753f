package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestWatcher(t *testing.T, settings Settings, rules ...Rule) *Watcher {
	t.Helper()
	w, rejected := New(settings, rules, nil, nil, testLogger(t))
	require.Empty(t, rejected)
	return w
}

func TestNewRejectsInvalidRulesIndividually(t *testing.T) {
	w, rejected := New(Settings{}, []Rule{
		{ID: "good", Enabled: true, Mode: ModeAbsolute, Directory: "/in", FilenamePattern: ".*"},
		{ID: "bad", Enabled: true, Mode: ModeAbsolute, Directory: "/in", FilenamePattern: "["},
		{ID: "off", Enabled: false, Mode: ModeAbsolute, Directory: "/in", FilenamePattern: "["},
	}, nil, nil, testLogger(t))

	assert.Equal(t, 1, w.RuleCount())
	// Disabled rules are skipped, not rejected.
	assert.Len(t, rejected, 1)
}

func TestDebounceWindow(t *testing.T) {
	w := newTestWatcher(t, Settings{}, Rule{
		ID: "r1", Enabled: true, Mode: ModeAbsolute, Directory: "/in",
		FilenamePattern: ".*", DebounceSecs: 30,
	})
	rule := w.rules[0]

	now := time.Now()
	assert.False(t, w.debounced(rule, "/in/f.csv", now))
	assert.True(t, w.debounced(rule, "/in/f.csv", now.Add(29*time.Second)))
	assert.False(t, w.debounced(rule, "/in/other.csv", now.Add(time.Second)))
	assert.False(t, w.debounced(rule, "/in/f.csv", now.Add(61*time.Second)))
}

func TestMatchesPathAbsolute(t *testing.T) {
	w := newTestWatcher(t, Settings{}, Rule{
		ID: "r1", Enabled: true, Mode: ModeAbsolute, Directory: "/in",
		FilenamePattern: ".*",
	})
	rule := w.rules[0]

	assert.True(t, w.matchesPath(rule, fileEvent{Dir: "/in"}))
	assert.False(t, w.matchesPath(rule, fileEvent{Dir: "/in/sub"}))
	assert.False(t, w.matchesPath(rule, fileEvent{Dir: "/elsewhere"}))

	rule.Recursive = true
	assert.True(t, w.matchesPath(rule, fileEvent{Dir: "/in/sub/deeper"}))
}

func TestMatchesPathPattern(t *testing.T) {
	w := newTestWatcher(t, Settings{ScanDir: "/scan"}, Rule{
		ID: "r1", Enabled: true, Mode: ModePattern, Directory: `^inbox-\d+$`,
		FilenamePattern: ".*",
	})
	rule := w.rules[0]

	assert.True(t, w.matchesPath(rule, fileEvent{Dir: "/scan/inbox-7"}))
	assert.False(t, w.matchesPath(rule, fileEvent{Dir: "/scan/outbox"}))
	assert.False(t, w.matchesPath(rule, fileEvent{Dir: "/other/inbox-7"}))
}

func TestTransferFileOverwritePolicy(t *testing.T) {
	w := newTestWatcher(t, Settings{})
	dir := t.TempDir()
	source := filepath.Join(dir, "src.txt")
	dest := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(source, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	err := w.transferFile(source, dest, "", false)
	require.Error(t, err)
	data, _ := os.ReadFile(dest)
	assert.Equal(t, "old", string(data))

	require.NoError(t, w.transferFile(source, dest, "", true))
	data, _ = os.ReadFile(dest)
	assert.Equal(t, "new", string(data))
}

func TestTransferFileTempExtension(t *testing.T) {
	w := newTestWatcher(t, Settings{})
	dir := t.TempDir()
	source := filepath.Join(dir, "src.txt")
	dest := filepath.Join(dir, "out", "dst.txt")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	require.NoError(t, w.transferFile(source, dest, ".tmp", true))

	// The temp file was renamed away.
	_, err := os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestTimestampedName(t *testing.T) {
	got := timestampedName("report.csv")
	assert.Regexp(t, `^report_\d{8}-\d{6}\.csv$`, got)

	got = timestampedName("noext")
	assert.Regexp(t, `^noext_\d{8}-\d{6}$`, got)
}

func TestDeferredEventDoesNotHoldProcessorSlot(t *testing.T) {
	slowDir := t.TempDir()
	fastDir := t.TempDir()
	fastOut := t.TempDir()

	w := newTestWatcher(t, Settings{MaxConcurrent: 1},
		Rule{ID: "slow", Enabled: true, Mode: ModeAbsolute, Directory: slowDir,
			FilenamePattern: ".*", ProcessAfterSecs: 5, CopyTo: t.TempDir(), Overwrite: true},
		Rule{ID: "fast", Enabled: true, Mode: ModeAbsolute, Directory: fastDir,
			FilenamePattern: ".*", CopyTo: fastOut, Overwrite: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// The slow rule enters its process-after delay first. With a single
	// processor slot the fast rule must still run immediately.
	require.NoError(t, os.WriteFile(filepath.Join(slowDir, "deferred.txt"), []byte("a"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(fastDir, "prompt.txt"), []byte("b"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(fastOut, "prompt.txt")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fast rule starved behind a deferred event")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplyOperationsRemoveAfter(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "in.txt")
	copyDir := filepath.Join(dir, "archive")
	require.NoError(t, os.WriteFile(source, []byte("x"), 0o644))

	w := newTestWatcher(t, Settings{}, Rule{
		ID: "r1", Enabled: true, Mode: ModeAbsolute, Directory: dir,
		FilenamePattern: ".*", CopyTo: copyDir, Overwrite: true, RemoveAfter: true,
	})
	rule := w.rules[0]

	err := w.applyOperations(rule, fileEvent{Path: source, Name: "in.txt", Dir: dir})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(copyDir, "in.txt"))
	require.NoError(t, err)
	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err))
}
