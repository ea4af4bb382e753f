package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestDetectsSilentController(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the reconnection handshake, then stop reading while
		// keeping the TCP connection open. With nobody reading, pings
		// go unanswered and the client must declare the channel dead.
		conn.ReadMessage()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	c := New(Options{
		ControllerURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		AgentID:           "agent-1",
		PublicKeyPEM:      "key",
		HeartbeatInterval: 50 * time.Millisecond,
	}, Handlers{}, testLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- c.connectAndServe(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client never noticed the dead control channel")
	}
	require.False(t, c.Connected())
}

func TestLiveChannelSurvivesIdlePeriods(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// A reading controller answers pings via the default handler.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{
		ControllerURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		AgentID:           "agent-1",
		PublicKeyPEM:      "key",
		HeartbeatInterval: 50 * time.Millisecond,
	}, Handlers{}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.connectAndServe(ctx) }()

	// Several read-deadline windows pass without any command traffic;
	// the session must stay up the whole time.
	select {
	case err := <-errCh:
		t.Fatalf("idle session dropped: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	require.True(t, c.Connected())
	cancel()
	srv.CloseClientConnections()
	<-errCh
}

func TestAgentIDSafeUnderConcurrentReads(t *testing.T) {
	c := New(Options{ControllerURL: "ws://unused", Token: "tok"}, Handlers{}, testLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.setAgentID("agent-assigned")
		}
	}()
	for i := 0; i < 1000; i++ {
		if id := c.AgentID(); id != "" {
			require.Equal(t, "agent-assigned", id)
		}
	}
	<-done
	require.Equal(t, "agent-assigned", c.AgentID())
}
