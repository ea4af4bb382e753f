// Package client maintains the agent's long-lived control channel to
// the controller: registration or reconnection handshake, heartbeats,
// command dispatch, and the bounded-backoff reconnect loop.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

const (
	writeWait        = 10 * time.Second
	handshakeWait    = 15 * time.Second
	defaultHeartbeat = 30 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 60 * time.Second
)

// Options configure the client.
type Options struct {
	ControllerURL     string
	Token             string
	AgentID           string
	PublicKeyPEM      string
	Hostname          string
	Platform          string
	HeartbeatInterval time.Duration
}

// Handlers are the integration points the agent runtime supplies.
type Handlers struct {
	// OnRegistered persists the identity the controller assigned.
	OnRegistered func(agentID, gitURL string) error
	// OnConnected runs after every successful (re)connect; the agent
	// uses it to re-sync config regardless of missed commands.
	OnConnected func(ctx context.Context)
	// OnCommand dispatches controller-issued commands. Called in read
	// order, one at a time.
	OnCommand func(ctx context.Context, cmd protocol.CommandPayload)
}

// Client is the agent side of the control channel.
type Client struct {
	opts     Options
	handlers Handlers
	logger   *logger.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	heartbeatSeq uint64
}

// New creates a client. Run must be called to connect.
func New(opts Options, handlers Handlers, log *logger.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	return &Client{
		opts:     opts,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "control-client")),
	}
}

// Connected reports whether a session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run drives the connect-serve-reconnect loop until ctx is cancelled.
// Backoff doubles from one second up to the cap, with jitter.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		start := time.Now()
		if err := c.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Control channel lost", zap.Error(err), zap.Duration("retry_in", backoff))
		}
		// A session that lived past the cap resets the backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}

		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeWait)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.ControllerURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("Control channel established", zap.String("agent_id", c.AgentID()))

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(ctx)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeatLoop(serveCtx)

	return c.readLoop(serveCtx)
}

// handshake sends registration (first run) or reconnection and, for
// registration, waits for the assigned identity.
func (c *Client) handshake(conn *websocket.Conn) error {
	agentID := c.AgentID()
	if agentID == "" {
		if c.opts.Token == "" {
			return fmt.Errorf("no agent id and no registration token")
		}
		msg, err := protocol.NewMessage(protocol.TypeRegistration, protocol.RegistrationPayload{
			Token:     c.opts.Token,
			PublicKey: c.opts.PublicKeyPEM,
			Hostname:  c.opts.Hostname,
			Platform:  c.opts.Platform,
		})
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send registration: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(handshakeWait))
		var reply protocol.Message
		if err := conn.ReadJSON(&reply); err != nil {
			return fmt.Errorf("registration rejected: %w", err)
		}
		conn.SetReadDeadline(time.Time{})

		var result protocol.RegistrationResult
		if err := reply.ParsePayload(&result); err != nil {
			return fmt.Errorf("invalid registration result: %w", err)
		}
		c.setAgentID(result.AgentID)
		c.logger.Info("Registered with controller",
			zap.String("agent_id", result.AgentID),
			zap.String("git_url", result.GitURL))
		if c.handlers.OnRegistered != nil {
			if err := c.handlers.OnRegistered(result.AgentID, result.GitURL); err != nil {
				return fmt.Errorf("failed to persist registration: %w", err)
			}
		}
		return nil
	}

	msg, err := protocol.NewMessage(protocol.TypeReconnection, protocol.ReconnectionPayload{
		AgentID:   agentID,
		PublicKey: c.opts.PublicKeyPEM,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send reconnection: %w", err)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.heartbeatSeq++
			seq := c.heartbeatSeq
			c.mu.Unlock()
			err := c.send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{Sequence: seq})
			if err == nil {
				err = c.ping()
			}
			if err != nil {
				// Tear the connection down so the read loop unblocks
				// and the reconnect loop takes over.
				c.logger.Warn("Heartbeat failed, dropping connection", zap.Error(err))
				c.closeConn()
				return
			}
		}
	}
}

// ping sends a websocket ping; the controller's pong keeps the read
// deadline moving.
func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel is down")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeConn closes the underlying connection if one is up.
func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	// Liveness: each heartbeat carries a ping, and the controller's
	// pong refreshes the deadline. A controller that answers nothing
	// for two heartbeat intervals is dead even while TCP lingers.
	readWait := 2 * c.opts.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if msg.Type != protocol.TypeCommand {
			c.logger.Debug("Ignoring unexpected message", zap.String("type", string(msg.Type)))
			continue
		}

		var cmd protocol.CommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			c.logger.Warn("Malformed command", zap.Error(err))
			continue
		}
		c.logger.Info("Command received", zap.String("command", cmd.Command))
		if c.handlers.OnCommand != nil {
			// Dispatched inline so commands apply in send order.
			c.handlers.OnCommand(ctx, cmd)
		}
	}
}

// send writes one message under the write lock. Fails when the channel
// is down; callers decide whether that matters.
func (c *Client) send(msgType protocol.MessageType, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel is down")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// EmitAlert sends an alert message. Alerts raised while disconnected
// are logged and dropped.
func (c *Client) EmitAlert(level protocol.AlertLevel, message string, details map[string]interface{}) {
	err := c.send(protocol.TypeAlert, protocol.AlertPayload{
		Level:   level,
		Message: message,
		Details: details,
	})
	if err != nil {
		c.logger.Warn("Alert not delivered",
			zap.String("level", string(level)),
			zap.String("message", message),
			zap.Error(err))
	}
}

// EmitStatus sends a free-form status report.
func (c *Client) EmitStatus(status protocol.StatusPayload) {
	if err := c.send(protocol.TypeStatus, status); err != nil {
		c.logger.Debug("Status not delivered", zap.Error(err))
	}
}

// AgentID returns the current identity, which may have been assigned
// during the registration handshake.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.AgentID
}

// setAgentID stores the controller-assigned identity.
func (c *Client) setAgentID(id string) {
	c.mu.Lock()
	c.opts.AgentID = id
	c.mu.Unlock()
}
