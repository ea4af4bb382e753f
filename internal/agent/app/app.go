// Package app composes the agent runtime: identity, control channel,
// Git sync, the workflow engine, the file watcher, the local API, and
// the embedded SSH server.
package app

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/agent/api"
	"github.com/flowmesh/flowmesh/internal/agent/client"
	agentcfg "github.com/flowmesh/flowmesh/internal/agent/config"
	"github.com/flowmesh/flowmesh/internal/agent/gitsync"
	"github.com/flowmesh/flowmesh/internal/agent/identity"
	"github.com/flowmesh/flowmesh/internal/agent/sshserver"
	"github.com/flowmesh/flowmesh/internal/agent/watcher"
	"github.com/flowmesh/flowmesh/internal/agent/workflow"
	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/keys"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// shutdownGrace bounds how long draining waits at exit.
const shutdownGrace = 10 * time.Second

// Options are the agent's startup parameters, largely from CLI flags.
type Options struct {
	DataDir       string
	ControllerURL string
	Token         string
	LogLevel      string
	Standalone    bool
	Version       string
}

// App is the assembled agent.
type App struct {
	opts   Options
	paths  agentcfg.Paths
	local  *agentcfg.Local
	ident  *identity.Identity
	logger *logger.Logger

	journal   *workflow.Journal
	engine    *workflow.Engine
	scheduler *workflow.Scheduler
	syncer    *gitsync.Syncer
	control   *client.Client
	apiServer *api.Server
	sshServer *sshserver.Server

	mu      sync.Mutex
	watcher *watcher.Watcher
	remote  *agentcfg.Remote
}

// noopAlerts swallows alerts when no controller is configured.
type noopAlerts struct{}

func (noopAlerts) EmitAlert(protocol.AlertLevel, string, map[string]interface{}) {}

// New loads local state and wires the subsystems. The control channel
// and servers start in Run.
func New(opts Options) (*App, error) {
	paths := agentcfg.NewPaths(opts.DataDir)
	if err := os.MkdirAll(paths.DataDir, 0o755); err != nil {
		return nil, err
	}

	local, err := agentcfg.LoadLocal(paths.LocalConfig)
	if err != nil {
		return nil, err
	}
	if opts.ControllerURL != "" {
		local.ControllerURL = opts.ControllerURL
	}

	level := opts.LogLevel
	if level == "" {
		level = "info"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "json",
		OutputPath: paths.LogFile,
		MaxSizeMB:  50,
		MaxAgeDays: 14,
		MaxBackups: 5,
	})
	if err != nil {
		return nil, err
	}

	ident, generated, err := identity.LoadOrCreate(paths.PrivateKey, paths.PublicKey)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Info("Generated new agent identity", zap.String("fingerprint", ident.Fingerprint))
	}

	journal, err := workflow.OpenJournal(paths.Journal, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		opts:    opts,
		paths:   paths,
		local:   local,
		ident:   ident,
		logger:  log,
		journal: journal,
		syncer:  gitsync.New(paths.RepoDir, paths.PrivateKey, log),
	}

	hostname, _ := os.Hostname()
	var alerts workflow.AlertEmitter = noopAlerts{}
	if !opts.Standalone && local.ControllerURL != "" {
		a.control = client.New(client.Options{
			ControllerURL: local.ControllerURL,
			Token:         opts.Token,
			AgentID:       local.AgentID,
			PublicKeyPEM:  ident.PublicKeyPEM,
			Hostname:      hostname,
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		}, client.Handlers{
			OnRegistered: a.onRegistered,
			OnConnected:  a.onConnected,
			OnCommand:    a.onCommand,
		}, log)
		alerts = a.control
	}

	a.engine = workflow.NewEngine(workflow.NewRegistry(alerts), journal, log)
	a.scheduler = workflow.NewScheduler(a.engine, log)

	remote, err := agentcfg.LoadRemote(paths.RepoDir, local.AgentID, paths.DataDir)
	if err != nil {
		return nil, err
	}
	a.remote = remote

	a.apiServer = api.New(local.APIPort, local.CORSOrigins, api.Info{
		Version:      opts.Version,
		AgentID:      local.AgentID,
		Hostname:     hostname,
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		PublicKeyPEM: ident.PublicKeyPEM,
		SSHPort:      remote.Agent.SSHServerPort,
	}, a.engine, journal, remote.FileBrowserSettings, paths.LogFile, log)

	if remote.Agent.SSHServerPort > 0 {
		signer, err := keys.Signer(ident.Key)
		if err != nil {
			return nil, err
		}
		a.sshServer = sshserver.New(remote.Agent.SSHServerPort, signer, remote.Agent.AuthorizedSSHKeys, log)
	}

	return a, nil
}

// Logger exposes the agent's file logger.
func (a *App) Logger() *logger.Logger {
	return a.logger
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.applyRemote(ctx, a.remote)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.apiServer.ListenAndServe()
	})
	if a.sshServer != nil {
		group.Go(func() error {
			return a.sshServer.ListenAndServe(groupCtx)
		})
	}
	if a.control != nil {
		group.Go(func() error {
			a.control.Run(groupCtx)
			return nil
		})
	} else {
		a.logger.Info("Running standalone, control channel and git sync disabled")
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.scheduler.Stop()
		a.stopWatcher()
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("API shutdown error", zap.Error(err))
		}
		return groupCtx.Err()
	})

	err := group.Wait()
	a.logger.Sync()
	if err == context.Canceled {
		return nil
	}
	return err
}

// onRegistered persists the identity assigned during registration.
func (a *App) onRegistered(agentID, gitURL string) error {
	a.local.AgentID = agentID
	a.local.GitURL = gitURL
	a.local.Registered = true
	return agentcfg.SaveLocal(a.paths.LocalConfig, a.local)
}

// onConnected re-syncs config after every (re)connect; a command may
// have been missed while the channel was down.
func (a *App) onConnected(ctx context.Context) {
	if err := a.syncAndReload(ctx); err != nil {
		a.logger.Warn("Config sync on connect failed", zap.Error(err))
	}
}

func (a *App) onCommand(ctx context.Context, cmd protocol.CommandPayload) {
	switch cmd.Command {
	case protocol.CommandGitPull, protocol.CommandReloadConfig:
		if err := a.syncAndReload(ctx); err != nil {
			a.logger.Error("Config sync failed", zap.Error(err))
			a.emitAlert(protocol.AlertError, fmt.Sprintf("config sync failed: %v", err))
		}
	case protocol.CommandReloadFileWatcher:
		a.mu.Lock()
		remote := a.remote
		a.mu.Unlock()
		a.restartWatcher(ctx, remote)
	case protocol.CommandRemoveWorkflow:
		id := cmd.Args["workflowId"]
		if a.engine.Remove(id) {
			a.logger.Info("Workflow removed", zap.String("workflow_id", id))
			a.scheduler.Reload(ctx)
		}
	case protocol.CommandSetLogLevel:
		level := cmd.Args["level"]
		if err := a.logger.SetLevel(level); err != nil {
			a.logger.Warn("Rejected log level", zap.String("level", level))
		}
	default:
		a.logger.Warn("Unknown command ignored", zap.String("command", cmd.Command))
	}
}

// syncAndReload pulls the config repo and applies the refreshed view.
// In standalone mode only the reload happens.
func (a *App) syncAndReload(ctx context.Context) error {
	if a.control != nil && a.local.GitURL != "" {
		if !a.syncer.Cloned() {
			if err := a.syncer.Clone(ctx, a.local.GitURL); err != nil {
				return err
			}
		} else {
			result, err := a.syncer.Pull(ctx)
			if err != nil {
				return err
			}
			if result.Status == gitsync.StatusDiverged {
				a.emitAlert(protocol.AlertWarning, fmt.Sprintf(
					"local config diverged from controller; %d local commits saved on %s",
					result.Ahead, result.BackupBranch))
				if a.control != nil {
					a.control.EmitStatus(protocol.StatusPayload{
						"configSync":   gitsync.StatusDiverged,
						"backupBranch": result.BackupBranch,
					})
				}
			}
		}
	}

	remote, err := agentcfg.LoadRemote(a.paths.RepoDir, a.local.AgentID, a.paths.DataDir)
	if err != nil {
		return err
	}
	a.applyRemote(ctx, remote)
	return nil
}

// applyRemote swaps the derived views atomically: workflow table,
// scheduler, watcher, log settings, SSH keys, and file-browser policy.
// In-flight executions are not cancelled.
func (a *App) applyRemote(ctx context.Context, remote *agentcfg.Remote) {
	a.mu.Lock()
	a.remote = remote
	a.mu.Unlock()

	loaded, rejected := a.engine.Load(remote.Workflows)
	for _, err := range rejected {
		a.emitAlert(protocol.AlertWarning, fmt.Sprintf("workflow rejected: %v", err))
	}
	a.scheduler.Reload(ctx)
	a.restartWatcher(ctx, remote)

	if remote.LogSettings.Level != "" {
		if err := a.logger.SetLevel(remote.LogSettings.Level); err != nil {
			a.logger.Warn("Rejected log level from config", zap.String("level", remote.LogSettings.Level))
		}
	}
	if remote.LogSettings.MaxSizeMB > 0 {
		a.logger.SetRotation(remote.LogSettings.MaxSizeMB, remote.LogSettings.MaxAgeDays,
			remote.LogSettings.MaxBackups, remote.LogSettings.Compress)
	}

	a.apiServer.UpdateBrowserSettings(remote.FileBrowserSettings)
	if a.sshServer != nil {
		// Port changes take effect at next restart.
		a.sshServer.SetAuthorizedKeys(remote.Agent.AuthorizedSSHKeys)
	}

	a.logger.Info("Configuration applied",
		zap.Int("workflows", loaded),
		zap.Int("rules", len(remote.Rules)))
}

func (a *App) restartWatcher(ctx context.Context, remote *agentcfg.Remote) {
	a.stopWatcher()

	var alerts workflow.AlertEmitter = noopAlerts{}
	if a.control != nil {
		alerts = a.control
	}
	// File-trigger workflows watch their directories through the same
	// rule machinery as configured rules.
	rules := append([]watcher.Rule{}, remote.Rules...)
	rules = append(rules, watcher.WorkflowRules(a.engine.List())...)
	w, rejected := watcher.New(remote.FileWatcherSettings, rules, a.engine, alerts, a.logger)
	for _, err := range rejected {
		a.emitAlert(protocol.AlertWarning, fmt.Sprintf("watcher rule rejected: %v", err))
	}
	if w.RuleCount() == 0 {
		return
	}
	if err := w.Start(ctx); err != nil {
		a.logger.Error("Failed to start file watcher", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
}

func (a *App) stopWatcher() {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (a *App) emitAlert(level protocol.AlertLevel, message string) {
	if a.control == nil {
		return
	}
	a.control.EmitAlert(level, message, nil)
}
