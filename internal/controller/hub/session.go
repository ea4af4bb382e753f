package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound buffer per session; commands beyond this fail fast
	sendBuffer = 64
)

// Session is one live control-channel connection for an agent.
// At most one session per agent id is live at any instant.
type Session struct {
	AgentID  string
	RemoteIP string

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(agentID, remoteIP string, conn *websocket.Conn, h *Hub, log *logger.Logger) *Session {
	return &Session{
		AgentID:  agentID,
		RemoteIP: remoteIP,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
		logger:   log.WithFields(zap.String("agent_id", agentID)),
		done:     make(chan struct{}),
	}
}

// close tears the session down with a close code. Idempotent.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		close(s.done)
	})
}

// readLoop pumps inbound messages into the hub router. Any read error or
// liveness expiry (no message within 2*T_h) terminates the session.
func (s *Session) readLoop() {
	defer s.hub.sessionClosed(s)

	s.conn.SetReadLimit(maxMessageSize)
	readWait := 2 * s.hub.heartbeatInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Control channel read ended", zap.Error(err))
			}
			return
		}
		// Any message counts as liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		if err := s.hub.routeInbound(s, data); err != nil {
			s.logger.Warn("Malformed control message, closing session", zap.Error(err))
			s.close(protocol.CloseMalformedMessage, "malformed message")
			return
		}
	}
}

// writeLoop serializes outbound messages, preserving send order.
func (s *Session) writeLoop() {
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("Control channel write failed", zap.Error(err))
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
