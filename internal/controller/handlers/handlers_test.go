package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/alerts"
	"github.com/flowmesh/flowmesh/internal/controller/configstore"
	"github.com/flowmesh/flowmesh/internal/controller/hub"
	"github.com/flowmesh/flowmesh/internal/controller/proxy"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
)

func newTestAPI(t *testing.T) (*gin.Engine, bus.EventBus) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	store, err := registry.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	eventBus := bus.NewMemoryEventBus(log)
	svc := registry.NewService(store, eventBus, log)

	alertStore, err := alerts.NewStore(store.DB(), log)
	require.NoError(t, err)

	cfgStore, err := configstore.New(t.TempDir(), log)
	require.NoError(t, err)

	controlHub := hub.New(svc, alertStore, eventBus, 30*time.Second, "ssh://agent@controller:2222/config-repo", log)
	t.Cleanup(controlHub.Shutdown)
	agentProxy := proxy.New(svc, 5*time.Second, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(svc, controlHub, cfgStore, alertStore, agentProxy, eventBus, log).Register(router)
	return router, eventBus
}

func TestWriteWorkflowPublishesConfigUpdated(t *testing.T) {
	router, eventBus := newTestAPI(t)

	got := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.ConfigUpdated, func(ctx context.Context, e *bus.Event) error {
		select {
		case got <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/workflows/wf-1", strings.NewReader(`{"id":"wf-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case e := <-got:
		assert.Equal(t, "workflow", e.Data["kind"])
		assert.Equal(t, "wf-1", e.Data["id"])
	case <-time.After(time.Second):
		t.Fatal("no config event published after write")
	}
}

func TestWriteWorkflowRejectsBadID(t *testing.T) {
	router, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/workflows/bad~id", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}
