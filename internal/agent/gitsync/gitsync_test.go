package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeAndCommit(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	gitIn(t, dir, "add", "-A")
	gitIn(t, dir, "commit", "-m", message)
}

// setupPair creates a controller-side repo and an agent clone over a
// local path remote.
func setupPair(t *testing.T) (remote string, syncer *Syncer) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	remote = filepath.Join(t.TempDir(), "config-repo")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	gitIn(t, remote, "init", "--initial-branch=main")
	gitIn(t, remote, "config", "user.name", "controller")
	gitIn(t, remote, "config", "user.email", "controller@test")
	gitIn(t, remote, "config", "receive.denyCurrentBranch", "updateInstead")
	writeAndCommit(t, remote, "agents.json", `{"seed":true}`, "initial")

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	clone := filepath.Join(t.TempDir(), "clone")
	syncer = New(clone, filepath.Join(t.TempDir(), "unused_key"), log)
	require.NoError(t, syncer.Clone(context.Background(), remote))
	require.True(t, syncer.Cloned())
	return remote, syncer
}

func TestPullUpToDate(t *testing.T) {
	_, syncer := setupPair(t)
	result, err := syncer.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, result.Status)
}

func TestPullFastForwards(t *testing.T) {
	remote, syncer := setupPair(t)
	writeAndCommit(t, remote, "agents.json", `{"seed":false}`, "controller change")

	result, err := syncer.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFastForwarded, result.Status)

	data, err := os.ReadFile(filepath.Join(syncer.RepoDir(), "agents.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"seed":false}`, string(data))
}

func TestPullDivergenceCreatesBackup(t *testing.T) {
	remote, syncer := setupPair(t)
	ctx := context.Background()

	// Both sides advance against the same history.
	require.NoError(t, os.WriteFile(filepath.Join(syncer.RepoDir(), "agents.json"), []byte(`{"local":true}`), 0o644))
	writeAndCommit(t, remote, "agents.json", `{"controller":true}`, "controller change")

	result, err := syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, result.Status)
	require.NotEmpty(t, result.BackupBranch)

	// The working tree follows the controller.
	data, err := os.ReadFile(filepath.Join(syncer.RepoDir(), "agents.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"controller":true}`, string(data))

	backups, err := syncer.ListBackups(ctx)
	require.NoError(t, err)
	require.Contains(t, backups, result.BackupBranch)

	// Recovery restores the local edit without pushing.
	restored, err := syncer.RecoverBackup(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, result.BackupBranch, restored)
	data, err = os.ReadFile(filepath.Join(syncer.RepoDir(), "agents.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"local":true}`, string(data))
}

func TestPushUpdatesRemoteWorkingTree(t *testing.T) {
	remote, syncer := setupPair(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(syncer.RepoDir(), "agents.json"), []byte(`{"pushed":true}`), 0o644))
	require.NoError(t, syncer.Push(ctx, "agent change"))

	// receive.denyCurrentBranch=updateInstead updates the checkout.
	data, err := os.ReadFile(filepath.Join(remote, "agents.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"pushed":true}`, string(data))
}

func TestCheckChangesReportsDirtyAndDrift(t *testing.T) {
	remote, syncer := setupPair(t)
	ctx := context.Background()

	report, err := syncer.CheckChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Dirty)
	assert.Zero(t, report.Ahead)
	assert.Zero(t, report.Behind)

	require.NoError(t, os.WriteFile(filepath.Join(syncer.RepoDir(), "new.json"), []byte(`{}`), 0o644))
	writeAndCommit(t, remote, "agents.json", `{"v":2}`, "remote moves ahead")

	report, err = syncer.CheckChanges(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Dirty)
	assert.Equal(t, 1, report.Behind)
}

func TestRecoverBackupRejectsNonBackupBranch(t *testing.T) {
	_, syncer := setupPair(t)
	_, err := syncer.RecoverBackup(context.Background(), "main")
	require.Error(t, err)
}
