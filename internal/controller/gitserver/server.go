// Package gitserver exposes the config repository over authenticated
// Git-over-SSH. Only fetch (upload-pack) and push (receive-pack) are
// admitted, and only against the single named repository. Authentication
// is public-key lookup against the agent registry.
package gitserver

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/pkg/keys"
)

// RepoName is the single repository the transport serves.
const RepoName = "config-repo"

// PushHook is invoked after a successful receive-pack so the controller
// can synchronize its database mirror from Git.
type PushHook func(ctx context.Context, agentID string)

// Config holds the listener and host key settings.
type Config struct {
	Host        string
	Port        int
	HostKeyPath string
}

// Server is the authenticated Git-over-SSH endpoint.
type Server struct {
	cfg      Config
	repoPath string
	registry *registry.Service
	pushHook PushHook
	logger   *logger.Logger

	sshConfig *ssh.ServerConfig
	listener  net.Listener
	wg        sync.WaitGroup
}

// New creates the Git transport. repoPath is the controller's checked-out
// working tree.
func New(cfg Config, repoPath string, reg *registry.Service, hook PushHook, log *logger.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		repoPath: repoPath,
		registry: reg,
		pushHook: hook,
		logger:   log.WithFields(zap.String("component", "gitserver")),
	}

	hostKey, generated, err := keys.LoadOrGenerate(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	if generated {
		s.logger.Info("Generated new SSH host key", zap.String("path", cfg.HostKeyPath))
	}
	signer, err := keys.Signer(hostKey)
	if err != nil {
		return nil, err
	}

	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
	}
	s.sshConfig.AddHostKey(signer)
	return s, nil
}

// authenticate resolves the presented public key to a registered agent.
func (s *Server) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	fingerprint := keys.Fingerprint(key)

	agents, err := s.registry.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	for _, agent := range agents {
		stored, err := keys.FingerprintPEM(agent.PublicKey)
		if err != nil {
			s.logger.Warn("Unparseable stored public key",
				zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		if stored == fingerprint {
			return &ssh.Permissions{
				Extensions: map[string]string{"agent-id": agent.ID},
			}, nil
		}
	}

	s.logger.Warn("Git auth rejected: unknown public key",
		zap.String("fingerprint", fingerprint),
		zap.String("remote", conn.RemoteAddr().String()))
	return nil, fmt.Errorf("unknown public key")
}

// ListenAndServe accepts connections until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("Git-over-SSH endpoint listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.logger.Debug("SSH handshake failed", zap.Error(err))
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	agentID := sshConn.Permissions.Extensions["agent-id"]
	log := s.logger.WithAgentID(agentID)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Debug("Failed to accept channel", zap.Error(err))
			continue
		}
		go s.handleSession(ctx, agentID, channel, requests, log)
	}
}

// handleSession serves exec requests; only the two Git verbs are admitted.
func (s *Server) handleSession(ctx context.Context, agentID string, channel ssh.Channel, requests <-chan *ssh.Request, log *logger.Logger) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}

		verb, repo, err := parseGitCommand(payload.Command)
		if err != nil {
			log.Warn("Rejected git command", zap.String("command", payload.Command), zap.Error(err))
			_ = req.Reply(false, nil)
			fmt.Fprintf(channel.Stderr(), "rejected: %v\n", err)
			sendExit(channel, 1)
			return
		}
		_ = req.Reply(true, nil)

		log.Debug("Serving git verb", zap.String("verb", verb), zap.String("repo", repo))
		exitCode := s.runVerb(ctx, verb, channel)
		if verb == "git-receive-pack" && exitCode == 0 && s.pushHook != nil {
			s.pushHook(ctx, agentID)
		}
		sendExit(channel, exitCode)
		return
	}
}

// parseGitCommand validates an exec line like `git-upload-pack 'config-repo'`.
func parseGitCommand(command string) (verb, repo string, err error) {
	fields := strings.Fields(command)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("unsupported command")
	}
	verb = fields[0]
	if verb != "git-upload-pack" && verb != "git-receive-pack" {
		return "", "", fmt.Errorf("verb %q not allowed", verb)
	}
	repo = strings.Trim(fields[1], "'\"")
	repo = strings.TrimPrefix(repo, "/")
	repo = strings.TrimSuffix(repo, ".git")
	if repo != RepoName {
		return "", "", fmt.Errorf("unknown repository %q", repo)
	}
	return verb, repo, nil
}

// runVerb pipes the git pack protocol between the channel and a local
// git subprocess against the working tree.
func (s *Server) runVerb(ctx context.Context, verb string, channel ssh.Channel) int {
	cmd := exec.CommandContext(ctx, verb, s.repoPath)
	cmd.Stdin = channel
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		s.logger.Error("Git verb failed", zap.String("verb", verb), zap.Error(err))
		return 1
	}
	return 0
}

func sendExit(channel ssh.Channel, code int) {
	status := struct{ Status uint32 }{uint32(code)}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}
