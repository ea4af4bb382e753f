// Package sshserver runs the agent's embedded SSH server: an
// agent-to-agent surface offering exec and SFTP, admitting only the
// public keys listed in the synced agent config.
package sshserver

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/keys"
)

// Server is the embedded SSH/SFTP endpoint.
type Server struct {
	port   int
	signer ssh.Signer
	logger *logger.Logger

	mu         sync.RWMutex
	authorized map[string]bool // fingerprint set
}

// New creates a server using the agent identity key as host key.
func New(port int, signer ssh.Signer, authorizedKeys []string, log *logger.Logger) *Server {
	s := &Server{
		port:   port,
		signer: signer,
		logger: log.WithFields(zap.String("component", "ssh-server")),
	}
	s.SetAuthorizedKeys(authorizedKeys)
	return s
}

// SetAuthorizedKeys replaces the admitted key set. Keys are in
// authorized_keys format; unparseable entries are skipped with a log.
func (s *Server) SetAuthorizedKeys(authorizedKeys []string) {
	fingerprints := make(map[string]bool, len(authorizedKeys))
	for _, raw := range authorizedKeys {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			s.logger.Warn("Skipping unparseable authorized key", zap.Error(err))
			continue
		}
		fingerprints[keys.Fingerprint(key)] = true
	}

	s.mu.Lock()
	s.authorized = fingerprints
	s.mu.Unlock()
}

func (s *Server) sshConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			fp := keys.Fingerprint(key)
			s.mu.RLock()
			ok := s.authorized[fp]
			s.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("key %s not authorized", fp)
			}
			return &ssh.Permissions{Extensions: map[string]string{"fingerprint": fp}}, nil
		},
	}
	config.AddHostKey(s.signer)
	return config
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("ssh listen: %w", err)
	}
	s.logger.Info("SSH server listening", zap.Int("port", s.port))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	config := s.sshConfig()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn, config)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug("SSH handshake failed", zap.Error(err))
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, chanRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ctx, channel, chanRequests)
	}
}

func (s *Server) handleSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runExec(ctx, channel, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runSFTP(channel)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *Server) runExec(ctx context.Context, channel ssh.Channel, command string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	sendExit(channel, exitCode)
}

func (s *Server) runSFTP(channel ssh.Channel) {
	server, err := sftp.NewServer(channel)
	if err != nil {
		s.logger.Warn("Failed to start SFTP subsystem", zap.Error(err))
		sendExit(channel, 1)
		return
	}
	if err := server.Serve(); err != nil {
		s.logger.Debug("SFTP session ended", zap.Error(err))
	}
	server.Close()
	sendExit(channel, 0)
}

func sendExit(channel ssh.Channel, code int) {
	status := struct{ Status uint32 }{Status: uint32(code)}
	channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}
