// Package configstore manages the Git working repository that is the
// source of truth for agent configuration. The controller writes files
// and auto-commits; agents fetch and push over the authenticated Git
// transport, and pushes update the working tree directly via
// receive.denyCurrentBranch=updateInstead.
package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// gitTimeout bounds every git invocation (T_git).
const gitTimeout = 10 * time.Second

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("config document not found")

// ErrInvalidID is returned for document ids that cannot become file
// names inside the repository.
var ErrInvalidID = errors.New("invalid document id")

// Ids become file names under the working tree; anything that could
// traverse outside it is rejected before touching the filesystem.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

const (
	agentsDir    = "agents"
	workflowsDir = "workflows"
)

// Store is the controller-side Git config store. All mutations go through
// the store's own writer lock; agent pushes are serialized by Git's native
// locking on the receive side.
type Store struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// New opens the config repository at path, initializing it on first use.
func New(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "configstore")),
	}
	if err := s.ensureRepo(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the working tree location, used by the Git transport.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureRepo() error {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("failed to create config repo directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	if _, err := os.Stat(filepath.Join(s.path, ".git")); os.IsNotExist(err) {
		if _, err := s.git(ctx, "init", "--initial-branch=main"); err != nil {
			// Older git without --initial-branch.
			if _, err := s.git(ctx, "init"); err != nil {
				return fmt.Errorf("failed to init config repo: %w", err)
			}
		}
		if _, err := s.git(ctx, "config", "user.name", "flowmesh-controller"); err != nil {
			return err
		}
		if _, err := s.git(ctx, "config", "user.email", "controller@flowmesh.local"); err != nil {
			return err
		}
	}

	// Pushes from agents must update the checked-out working tree.
	if _, err := s.git(ctx, "config", "receive.denyCurrentBranch", "updateInstead"); err != nil {
		return fmt.Errorf("failed to configure receive.denyCurrentBranch: %w", err)
	}

	for _, dir := range []string{agentsDir, workflowsDir} {
		keep := filepath.Join(s.path, dir, ".gitkeep")
		if _, err := os.Stat(keep); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(keep, nil, 0o644); err != nil {
				return err
			}
		}
	}
	if err := s.commitAll(ctx, "initialize config repository"); err != nil {
		return err
	}

	s.logger.Info("Config repository ready", zap.String("path", s.path))
	return nil
}

// git runs a git subcommand against the store's working tree.
func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", s.path}, args...)...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// commitAll stages everything and commits when the tree is dirty.
func (s *Store) commitAll(ctx context.Context, message string) error {
	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return err
	}
	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if _, err := s.git(ctx, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// WriteAgentConfig writes agents/<agentID>.json and auto-commits.
func (s *Store) WriteAgentConfig(ctx context.Context, agentID string, doc json.RawMessage) error {
	if err := validateID(agentID); err != nil {
		return err
	}
	return s.writeDoc(ctx, filepath.Join(agentsDir, agentID+".json"), doc,
		fmt.Sprintf("update agent config %s", agentID))
}

// WriteWorkflow writes workflows/<workflowID>.json and auto-commits.
func (s *Store) WriteWorkflow(ctx context.Context, workflowID string, doc json.RawMessage) error {
	if err := validateID(workflowID); err != nil {
		return err
	}
	return s.writeDoc(ctx, filepath.Join(workflowsDir, workflowID+".json"), doc,
		fmt.Sprintf("update workflow %s", workflowID))
}

func (s *Store) writeDoc(ctx context.Context, rel string, doc json.RawMessage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Normalize so the stored form is stable regardless of caller formatting.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc, "", "  "); err != nil {
		return fmt.Errorf("invalid JSON document: %w", err)
	}
	pretty.WriteByte('\n')

	full := filepath.Join(s.path, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, pretty.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}

	gctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	if err := s.commitAll(gctx, message); err != nil {
		return err
	}
	s.logger.Info("Config document committed", zap.String("path", rel))
	return nil
}

// ReadAgentConfig returns agents/<agentID>.json.
func (s *Store) ReadAgentConfig(ctx context.Context, agentID string) (json.RawMessage, error) {
	if err := validateID(agentID); err != nil {
		return nil, err
	}
	return s.readDoc(filepath.Join(agentsDir, agentID+".json"))
}

// ReadWorkflow returns workflows/<workflowID>.json.
func (s *Store) ReadWorkflow(ctx context.Context, workflowID string) (json.RawMessage, error) {
	if err := validateID(workflowID); err != nil {
		return nil, err
	}
	return s.readDoc(filepath.Join(workflowsDir, workflowID+".json"))
}

func (s *Store) readDoc(rel string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(s.path, rel))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// ListWorkflows returns the ids of all stored workflow documents.
func (s *Store) ListWorkflows(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.path, workflowsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// RemoveWorkflow deletes a workflow document and auto-commits.
func (s *Store) RemoveWorkflow(ctx context.Context, workflowID string) error {
	if err := validateID(workflowID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	full := filepath.Join(s.path, workflowsDir, workflowID+".json")
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	gctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return s.commitAll(gctx, fmt.Sprintf("remove workflow %s", workflowID))
}

// Head returns the current commit hash of the working tree.
func (s *Store) Head(ctx context.Context) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return s.git(gctx, "rev-parse", "HEAD")
}

// AbsorbPush re-reads an agent's config document after an inbound push so
// callers can synchronize the registry mirror from Git.
func (s *Store) AbsorbPush(ctx context.Context, agentID string) (json.RawMessage, error) {
	if err := validateID(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDoc(filepath.Join(agentsDir, agentID+".json"))
}
