package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/internal/events/bus"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

const testKey = "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"

type memorySink struct {
	mu     sync.Mutex
	alerts []protocol.AlertPayload
	agents []string
}

func (m *memorySink) Record(ctx context.Context, agentID string, level protocol.AlertLevel, message string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, protocol.AlertPayload{Level: level, Message: message, Details: details})
	m.agents = append(m.agents, agentID)
	return nil
}

type testHub struct {
	hub    *Hub
	svc    *registry.Service
	sink   *memorySink
	server *httptest.Server
	wsURL  string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	store, err := registry.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := registry.NewService(store, bus.NewMemoryEventBus(log), log)
	sink := &memorySink{}
	h := New(svc, sink, bus.NewMemoryEventBus(log), 30*time.Second, "ssh://agent@controller:2222/config-repo", log)

	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(server.Close)
	t.Cleanup(h.Shutdown)

	return &testHub{
		hub:    h,
		svc:    svc,
		sink:   sink,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// register connects and completes the registration handshake, returning
// the assigned agent id with the connection still open.
func register(t *testing.T, th *testHub) (*websocket.Conn, string) {
	t.Helper()
	token, err := th.svc.MintToken(context.Background(), time.Hour, "")
	require.NoError(t, err)

	conn := dial(t, th.wsURL)
	sendMessage(t, conn, protocol.TypeRegistration, protocol.RegistrationPayload{
		Token:     token.Token,
		PublicKey: testKey,
		Hostname:  "host-a",
		Platform:  "linux/amd64",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Message
	require.NoError(t, conn.ReadJSON(&reply))
	var result protocol.RegistrationResult
	require.NoError(t, reply.ParsePayload(&result))
	require.NotEmpty(t, result.AgentID)
	require.NotEmpty(t, result.GitURL)
	return conn, result.AgentID
}

func waitConnected(t *testing.T, th *testHub, agentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !th.hub.IsConnected(agentID) {
		if time.Now().After(deadline) {
			t.Fatal("agent session never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistrationAdmission(t *testing.T) {
	th := newTestHub(t)
	_, agentID := register(t, th)
	waitConnected(t, th, agentID)

	agent, err := th.svc.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOnline, agent.Status)
	assert.Equal(t, "host-a", agent.Hostname)
}

func TestAdmissionRejectsInvalidToken(t *testing.T) {
	th := newTestHub(t)
	conn := dial(t, th.wsURL)
	sendMessage(t, conn, protocol.TypeRegistration, protocol.RegistrationPayload{
		Token:     "bogus",
		PublicKey: testKey,
		Hostname:  "h",
		Platform:  "p",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAuthFailed, closeErr.Code)
}

func TestReconnectionKeyMismatchClosesWithoutStateChange(t *testing.T) {
	th := newTestHub(t)
	conn, agentID := register(t, th)
	waitConnected(t, th, agentID)
	conn.Close()

	// Wait for the offline transition from the dropped session.
	deadline := time.Now().Add(2 * time.Second)
	for th.hub.IsConnected(agentID) {
		if time.Now().After(deadline) {
			t.Fatal("session never detached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bad := dial(t, th.wsURL)
	sendMessage(t, bad, protocol.TypeReconnection, protocol.ReconnectionPayload{
		AgentID:   agentID,
		PublicKey: "-----BEGIN PUBLIC KEY-----\nBBBB\n-----END PUBLIC KEY-----\n",
	})
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := bad.ReadMessage()
	require.Error(t, err)

	agent, err := th.svc.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, agent.Status)
}

func TestSendCommandDeliveredInOrder(t *testing.T) {
	th := newTestHub(t)
	conn, agentID := register(t, th)
	waitConnected(t, th, agentID)

	require.NoError(t, th.hub.SendCommand(agentID, protocol.CommandGitPull, nil))
	require.NoError(t, th.hub.SendCommand(agentID, protocol.CommandSetLogLevel, map[string]string{"level": "debug"}))

	var got []string
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, protocol.TypeCommand, msg.Type)
		var cmd protocol.CommandPayload
		require.NoError(t, msg.ParsePayload(&cmd))
		got = append(got, cmd.Command)
	}
	assert.Equal(t, []string{protocol.CommandGitPull, protocol.CommandSetLogLevel}, got)
}

func TestSendCommandFailsFastWhenOffline(t *testing.T) {
	th := newTestHub(t)
	err := th.hub.SendCommand("nobody", protocol.CommandGitPull, nil)
	assert.ErrorIs(t, err, ErrAgentNotConnected)

	err = th.hub.SendCommand("nobody", "rm-rf", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAgentNotConnected)
}

func TestAlertRoutedToSink(t *testing.T) {
	th := newTestHub(t)
	conn, agentID := register(t, th)
	waitConnected(t, th, agentID)

	sendMessage(t, conn, protocol.TypeAlert, protocol.AlertPayload{
		Level:   protocol.AlertCritical,
		Message: "disk failure",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		th.sink.mu.Lock()
		n := len(th.sink.alerts)
		th.sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alert never reached the sink")
		}
		time.Sleep(10 * time.Millisecond)
	}

	th.sink.mu.Lock()
	defer th.sink.mu.Unlock()
	assert.Equal(t, protocol.AlertCritical, th.sink.alerts[0].Level)
	assert.Equal(t, agentID, th.sink.agents[0])
}

func TestNewSessionPreemptsPrior(t *testing.T) {
	th := newTestHub(t)
	first, agentID := register(t, th)
	waitConnected(t, th, agentID)

	second := dial(t, th.wsURL)
	sendMessage(t, second, protocol.TypeReconnection, protocol.ReconnectionPayload{
		AgentID:   agentID,
		PublicKey: testKey,
	})

	// The first session receives the preemption close.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.ClosePreempted, closeErr.Code)

	// The second session can still receive commands.
	waitConnected(t, th, agentID)
	require.NoError(t, th.hub.SendCommand(agentID, protocol.CommandReloadConfig, nil))
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	require.NoError(t, second.ReadJSON(&msg))
	assert.Equal(t, protocol.TypeCommand, msg.Type)
}
