// Package gitsync keeps the agent's config working tree in step with
// the controller's repository over the authenticated Git channel.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// gitTimeout bounds every git invocation.
const gitTimeout = 10 * time.Second

// backupPrefix names the automatic backup branches taken on divergence.
const backupPrefix = "backup/"

// Pull outcomes.
const (
	StatusUpToDate      = "up-to-date"
	StatusFastForwarded = "fast-forwarded"
	StatusDiverged      = "diverged"
	StatusAhead         = "ahead"
)

// PullResult reports what a sync did.
type PullResult struct {
	Status       string `json:"status"`
	BackupBranch string `json:"backupBranch,omitempty"`
	Ahead        int    `json:"ahead"`
	Behind       int    `json:"behind"`
}

// ChangeReport summarizes local state relative to the remote.
type ChangeReport struct {
	Dirty  []string `json:"dirty,omitempty"`
	Ahead  int      `json:"ahead"`
	Behind int      `json:"behind"`
}

// Syncer wraps the git binary against the agent's config-repo clone,
// authenticating with the agent's identity key.
type Syncer struct {
	repoDir string
	keyPath string
	logger  *logger.Logger
}

// New creates a syncer for the working tree at repoDir.
func New(repoDir, keyPath string, log *logger.Logger) *Syncer {
	return &Syncer{
		repoDir: repoDir,
		keyPath: keyPath,
		logger:  log.WithFields(zap.String("component", "gitsync")),
	}
}

// RepoDir returns the working tree location.
func (s *Syncer) RepoDir() string {
	return s.repoDir
}

// Cloned reports whether the working tree exists.
func (s *Syncer) Cloned() bool {
	_, err := os.Stat(s.repoDir + "/.git")
	return err == nil
}

func (s *Syncer) sshCommand() string {
	return fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", s.keyPath)
}

func (s *Syncer) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	full := append([]string{"-C", s.repoDir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_SSH_COMMAND="+s.sshCommand(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone performs the initial clone. A fresh agent may attempt this
// before its key is registered; the failure is clean and retried after
// registration completes.
func (s *Syncer) Clone(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", url, s.repoDir)
	cmd.Env = append(os.Environ(), "GIT_SSH_COMMAND="+s.sshCommand(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if _, err := s.git(ctx, "config", "user.name", "flowmesh-agent"); err != nil {
		return err
	}
	if _, err := s.git(ctx, "config", "user.email", "agent@flowmesh.local"); err != nil {
		return err
	}
	s.logger.Info("Config repository cloned", zap.String("dir", s.repoDir))
	return nil
}

// remoteRef resolves the remote tracking ref to compare against.
func (s *Syncer) remoteRef(ctx context.Context) string {
	for _, ref := range []string{"origin/main", "origin/master"} {
		if _, err := s.git(ctx, "rev-parse", "--verify", "--quiet", ref); err == nil {
			return ref
		}
	}
	return "origin/main"
}

// commitLocal commits any working-tree changes so divergence can be
// computed against a clean tree. Returns whether a commit was made.
func (s *Syncer) commitLocal(ctx context.Context, message string) (bool, error) {
	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := s.git(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// aheadBehind counts commits on each side of HEAD...ref.
func (s *Syncer) aheadBehind(ctx context.Context, ref string) (int, int, error) {
	out, err := s.git(ctx, "rev-list", "--left-right", "--count", "HEAD..."+ref)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	ahead, _ := strconv.Atoi(fields[0])
	behind, _ := strconv.Atoi(fields[1])
	return ahead, behind, nil
}

// Pull fetches the remote and reconciles the local tree. When both
// sides have advanced the local commits are parked on a timestamped
// backup branch and the tree is reset to the remote; no textual merge
// is ever attempted automatically.
func (s *Syncer) Pull(ctx context.Context) (*PullResult, error) {
	if _, err := s.commitLocal(ctx, "agent: local changes before sync"); err != nil {
		return nil, err
	}
	if _, err := s.git(ctx, "fetch", "origin"); err != nil {
		return nil, err
	}

	ref := s.remoteRef(ctx)
	ahead, behind, err := s.aheadBehind(ctx, ref)
	if err != nil {
		return nil, err
	}
	result := &PullResult{Ahead: ahead, Behind: behind}

	switch {
	case ahead == 0 && behind == 0:
		result.Status = StatusUpToDate
	case ahead == 0:
		if _, err := s.git(ctx, "merge", "--ff-only", ref); err != nil {
			return nil, err
		}
		result.Status = StatusFastForwarded
	case behind == 0:
		result.Status = StatusAhead
	default:
		branch := backupPrefix + time.Now().UTC().Format("20060102-150405")
		if _, err := s.git(ctx, "branch", branch); err != nil {
			return nil, err
		}
		if _, err := s.git(ctx, "reset", "--hard", ref); err != nil {
			return nil, err
		}
		result.Status = StatusDiverged
		result.BackupBranch = branch
		s.logger.Warn("Local and remote diverged, local commits backed up",
			zap.String("backup_branch", branch),
			zap.Int("local_commits", ahead))
	}
	return result, nil
}

// Push commits local changes and pushes them to the controller.
func (s *Syncer) Push(ctx context.Context, message string) error {
	committed, err := s.commitLocal(ctx, message)
	if err != nil {
		return err
	}
	if !committed {
		// Unpushed commits may still exist from an earlier run.
		ahead, _, err := s.aheadBehind(ctx, s.remoteRef(ctx))
		if err != nil || ahead == 0 {
			if err != nil {
				return err
			}
			return nil
		}
	}
	if _, err := s.git(ctx, "push", "origin", "HEAD"); err != nil {
		return err
	}
	s.logger.Info("Config changes pushed")
	return nil
}

// CheckChanges reports dirty files and the ahead/behind counts without
// mutating anything.
func (s *Syncer) CheckChanges(ctx context.Context) (*ChangeReport, error) {
	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	report := &ChangeReport{}
	for _, line := range strings.Split(status, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			report.Dirty = append(report.Dirty, line)
		}
	}

	if _, err := s.git(ctx, "fetch", "origin"); err != nil {
		return nil, err
	}
	report.Ahead, report.Behind, err = s.aheadBehind(ctx, s.remoteRef(ctx))
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListBackups returns the automatic backup branches, newest first.
func (s *Syncer) ListBackups(ctx context.Context) ([]string, error) {
	out, err := s.git(ctx, "branch", "--list", backupPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			backups = append(backups, line)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// RecoverBackup restores a backup branch's files into the working tree
// without committing or pushing. The name "latest" selects the newest
// backup.
func (s *Syncer) RecoverBackup(ctx context.Context, name string) (string, error) {
	if name == "latest" || name == "" {
		backups, err := s.ListBackups(ctx)
		if err != nil {
			return "", err
		}
		if len(backups) == 0 {
			return "", fmt.Errorf("no backup branches exist")
		}
		name = backups[0]
	}
	if !strings.HasPrefix(name, backupPrefix) {
		return "", fmt.Errorf("%q is not a backup branch", name)
	}
	if _, err := s.git(ctx, "checkout", name, "--", "."); err != nil {
		return "", err
	}
	s.logger.Info("Backup restored into working tree", zap.String("branch", name))
	return name, nil
}

// MergeConfig merges a backup branch into the current branch. This is
// an explicit operator action; the sync path never merges on its own.
func (s *Syncer) MergeConfig(ctx context.Context, name string) error {
	if name == "latest" || name == "" {
		backups, err := s.ListBackups(ctx)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return fmt.Errorf("no backup branches exist")
		}
		name = backups[0]
	}
	if _, err := s.git(ctx, "merge", "--no-ff", name, "-m", "agent: merge "+name); err != nil {
		return err
	}
	return nil
}
