// Package hub terminates the long-lived bidirectional control channel,
// one session per agent. It routes commands outward and events inward,
// and detects liveness from inbound traffic.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// ErrAgentNotConnected is returned by Send* when no live session exists.
// The hub never buffers for offline agents; the caller decides to retry.
var ErrAgentNotConnected = errors.New("agent not connected")

// admissionWait bounds how long a fresh connection may take to present
// its registration or reconnection message.
const admissionWait = 15 * time.Second

// AlertSink receives alerts routed from agent sessions.
type AlertSink interface {
	Record(ctx context.Context, agentID string, level protocol.AlertLevel, message string, details map[string]interface{}) error
}

// Hub tracks one live session per agent and routes messages.
type Hub struct {
	registry *registry.Service
	alerts   AlertSink
	bus      bus.EventBus
	logger   *logger.Logger

	heartbeatInterval time.Duration
	gitURL            string

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a control-channel hub. heartbeatInterval is T_h; a session
// with no inbound traffic for 2*T_h is torn down and the agent marked
// offline. gitURL is the config clone URL handed out at registration.
func New(reg *registry.Service, alerts AlertSink, eventBus bus.EventBus, heartbeatInterval time.Duration, gitURL string, log *logger.Logger) *Hub {
	return &Hub{
		registry:          reg,
		alerts:            alerts,
		bus:               eventBus,
		logger:            log.WithFields(zap.String("component", "hub")),
		heartbeatInterval: heartbeatInterval,
		gitURL:            gitURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// HandleConnection upgrades an HTTP request to a control-channel session.
// Admission requires either a valid registration or a reconnection whose
// public key matches the stored key for the presented id.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	remoteIP := remoteIP(r)
	agentID, err := h.admit(r.Context(), conn, remoteIP)
	if err != nil {
		h.logger.Warn("Session admission failed",
			zap.String("remote_ip", remoteIP), zap.Error(err))
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(protocol.CloseAuthFailed, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		return
	}

	session := newSession(agentID, remoteIP, conn, h, h.logger)
	h.attach(session)

	go session.writeLoop()
	session.readLoop()
}

// admit reads the first message and authenticates it. Returns the agent id
// on success. No registry state is mutated on failure.
func (h *Hub) admit(ctx context.Context, conn *websocket.Conn, remoteIP string) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(admissionWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read admission message: %w", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("malformed admission message: %w", err)
	}

	switch msg.Type {
	case protocol.TypeRegistration:
		var reg protocol.RegistrationPayload
		if err := msg.ParsePayload(&reg); err != nil {
			return "", fmt.Errorf("malformed registration payload: %w", err)
		}
		agent, err := h.registry.Register(ctx, reg.Token, reg.PublicKey, reg.Hostname, reg.Platform, remoteIP)
		if err != nil {
			return "", fmt.Errorf("registration rejected: %w", err)
		}
		reply, err := protocol.NewMessage(protocol.TypeRegistration, protocol.RegistrationResult{AgentID: agent.ID, GitURL: h.gitURL})
		if err != nil {
			return "", err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			return "", fmt.Errorf("failed to send registration result: %w", err)
		}
		return agent.ID, nil

	case protocol.TypeReconnection:
		var rec protocol.ReconnectionPayload
		if err := msg.ParsePayload(&rec); err != nil {
			return "", fmt.Errorf("malformed reconnection payload: %w", err)
		}
		agent, err := h.registry.Authenticate(ctx, rec.AgentID, rec.PublicKey)
		if err != nil {
			return "", fmt.Errorf("reconnection rejected: %w", err)
		}
		if err := h.registry.MarkOnline(ctx, agent.ID, remoteIP); err != nil {
			return "", err
		}
		return agent.ID, nil

	default:
		return "", fmt.Errorf("unexpected admission message type %q", msg.Type)
	}
}

// attach records the session, preempting any prior session for the same id.
func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	prev := h.sessions[s.AgentID]
	h.sessions[s.AgentID] = s
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("Preempting prior session", zap.String("agent_id", s.AgentID))
		prev.close(protocol.ClosePreempted, "superseded by new session")
	}
	h.logger.Info("Agent session established",
		zap.String("agent_id", s.AgentID),
		zap.String("remote_ip", s.RemoteIP))
}

// sessionClosed removes a session and marks the agent offline, unless the
// session was already replaced by a newer one.
func (h *Hub) sessionClosed(s *Session) {
	s.close(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	current, ok := h.sessions[s.AgentID]
	if ok && current == s {
		delete(h.sessions, s.AgentID)
	}
	h.mu.Unlock()

	if ok && current == s {
		if err := h.registry.MarkOffline(context.Background(), s.AgentID); err != nil {
			h.logger.Warn("Failed to mark agent offline",
				zap.String("agent_id", s.AgentID), zap.Error(err))
		}
		h.logger.Info("Agent session closed", zap.String("agent_id", s.AgentID))
	}
}

// IsConnected reports whether a live session exists for the agent.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[agentID]
	return ok
}

// ConnectedAgents returns the ids of all agents with a live session.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SendCommand delivers a command to a connected agent in send order.
// Fails synchronously when the agent is not connected or its outbound
// buffer is full; at-most-once on the wire.
func (h *Hub) SendCommand(agentID, command string, args map[string]string) error {
	if !protocol.KnownCommand(command) {
		return fmt.Errorf("unknown command %q", command)
	}
	msg, err := protocol.NewMessage(protocol.TypeCommand, protocol.CommandPayload{Command: command, Args: args})
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	session, ok := h.sessions[agentID]
	h.mu.RUnlock()
	if !ok {
		return ErrAgentNotConnected
	}

	select {
	case session.send <- data:
		return nil
	case <-session.done:
		return ErrAgentNotConnected
	default:
		return fmt.Errorf("send buffer full for agent %s: %w", agentID, ErrAgentNotConnected)
	}
}

// NotifyConfigUpdate tells an agent to pull its config. Convenience for
// the config store's pull path.
func (h *Hub) NotifyConfigUpdate(agentID string) error {
	return h.SendCommand(agentID, protocol.CommandGitPull, nil)
}

// routeInbound dispatches a post-admission message from an agent session.
// A non-nil error closes the session with a malformed-message code.
func (h *Hub) routeInbound(s *Session, data []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid JSON frame: %w", err)
	}

	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeHeartbeat:
		if err := h.registry.Heartbeat(ctx, s.AgentID); err != nil {
			h.logger.Warn("Failed to record heartbeat",
				zap.String("agent_id", s.AgentID), zap.Error(err))
		}
		return nil

	case protocol.TypeStatus:
		var status protocol.StatusPayload
		if err := msg.ParsePayload(&status); err != nil {
			return fmt.Errorf("malformed status payload: %w", err)
		}
		h.publish(ctx, events.AgentStatus, s.AgentID, map[string]interface{}{"status": map[string]interface{}(status)})
		return nil

	case protocol.TypeAlert:
		var alert protocol.AlertPayload
		if err := msg.ParsePayload(&alert); err != nil {
			return fmt.Errorf("malformed alert payload: %w", err)
		}
		if !alert.Level.Valid() {
			return fmt.Errorf("invalid alert level %q", alert.Level)
		}
		if err := h.alerts.Record(ctx, s.AgentID, alert.Level, alert.Message, alert.Details); err != nil {
			h.logger.Error("Failed to persist alert",
				zap.String("agent_id", s.AgentID), zap.Error(err))
		}
		h.publish(ctx, events.AlertRaised, s.AgentID, map[string]interface{}{
			"level":   string(alert.Level),
			"message": alert.Message,
		})
		return nil

	case protocol.TypeRegistration, protocol.TypeReconnection:
		return fmt.Errorf("unexpected %s after admission", msg.Type)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (h *Hub) publish(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["agent_id"] = agentID
	if err := h.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "hub", data)); err != nil {
		h.logger.Warn("Failed to publish hub event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "controller shutting down")
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
