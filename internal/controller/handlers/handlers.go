// Package handlers provides the controller's admin HTTP API: tokens,
// agents, alerts, workflow documents, and command dispatch. This is the
// surface the external web UI consumes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/alerts"
	"github.com/flowmesh/flowmesh/internal/controller/configstore"
	"github.com/flowmesh/flowmesh/internal/controller/hub"
	"github.com/flowmesh/flowmesh/internal/controller/proxy"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// Handlers wires the controller services into gin routes.
type Handlers struct {
	registry *registry.Service
	hub      *hub.Hub
	store    *configstore.Store
	alerts   *alerts.Store
	proxy    *proxy.Proxy
	bus      bus.EventBus
	logger   *logger.Logger
}

// New creates the admin API handlers.
func New(reg *registry.Service, h *hub.Hub, store *configstore.Store, alertStore *alerts.Store, p *proxy.Proxy, eventBus bus.EventBus, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: reg,
		hub:      h,
		store:    store,
		alerts:   alertStore,
		proxy:    p,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "admin-api")),
	}
}

// publishConfigUpdated announces an admin-side config change on the bus.
func (h *Handlers) publishConfigUpdated(ctx context.Context, kind, id string) {
	if h.bus == nil {
		return
	}
	evt := bus.NewEvent(events.ConfigUpdated, "admin-api", map[string]interface{}{"kind": kind, "id": id})
	if err := h.bus.Publish(ctx, events.ConfigUpdated, evt); err != nil {
		h.logger.Warn("Failed to publish config event", zap.String("id", id), zap.Error(err))
	}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/healthz", h.handleHealth)

	api := router.Group("/api/v1")
	{
		api.POST("/tokens", h.handleMintToken)
		api.GET("/tokens", h.handleListTokens)

		api.GET("/agents", h.handleListAgents)
		api.GET("/agents/:id", h.handleGetAgent)
		api.DELETE("/agents/:id", h.handleDeleteAgent)
		api.POST("/agents/:id/command", h.handleSendCommand)
		api.PUT("/agents/:id/config", h.handleWriteAgentConfig)
		api.GET("/agents/:id/config", h.handleReadAgentConfig)
		api.Any("/agents/:id/proxy/*path", h.proxy.Handle)

		api.GET("/workflows", h.handleListWorkflows)
		api.GET("/workflows/:id", h.handleGetWorkflow)
		api.PUT("/workflows/:id", h.handleWriteWorkflow)
		api.DELETE("/workflows/:id", h.handleDeleteWorkflow)

		api.GET("/alerts", h.handleListAlerts)
		api.POST("/alerts/:id/ack", h.handleAckAlert)
	}
}

func (h *Handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": len(h.hub.ConnectedAgents()),
		"time":      time.Now().UTC(),
	})
}

type mintTokenRequest struct {
	TTLSeconds int    `json:"ttlSeconds"`
	APIAddress string `json:"apiAddress,omitempty"`
}

func (h *Handlers) handleMintToken(c *gin.Context) {
	var req mintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 3600
	}
	token, err := h.registry.MintToken(c.Request.Context(), time.Duration(req.TTLSeconds)*time.Second, req.APIAddress)
	if err != nil {
		h.logger.Error("Failed to mint token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (h *Handlers) handleListTokens(c *gin.Context) {
	tokens, err := h.registry.ListTokens(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handlers) handleListAgents(c *gin.Context) {
	agents, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handlers) handleGetAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) handleDeleteAgent(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type sendCommandRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

func (h *Handlers) handleSendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	err := h.hub.SendCommand(c.Param("id"), req.Command, req.Args)
	if err != nil {
		if errors.Is(err, hub.ErrAgentNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "agent not connected"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// handleWriteAgentConfig writes the agent config document, commits it,
// and notifies the agent to pull.
func (h *Handlers) handleWriteAgentConfig(c *gin.Context) {
	agentID := c.Param("id")
	if _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	doc, err := c.GetRawData()
	if err != nil || !json.Valid(doc) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON document"})
		return
	}

	if err := h.store.WriteAgentConfig(c.Request.Context(), agentID, doc); err != nil {
		if errors.Is(err, configstore.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.MirrorConfig(c.Request.Context(), agentID, string(doc)); err != nil {
		h.logger.Warn("Failed to mirror config", zap.String("agent_id", agentID), zap.Error(err))
	}
	h.publishConfigUpdated(c.Request.Context(), "agent", agentID)

	notified := true
	if err := h.hub.NotifyConfigUpdate(agentID); err != nil {
		// Offline agents catch up on reconnect; nothing is buffered.
		notified = false
	}
	c.JSON(http.StatusOK, gin.H{"committed": true, "notified": notified})
}

func (h *Handlers) handleReadAgentConfig(c *gin.Context) {
	doc, err := h.store.ReadAgentConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no config for agent"})
			return
		}
		if errors.Is(err, configstore.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (h *Handlers) handleListWorkflows(c *gin.Context) {
	ids, err := h.store.ListWorkflows(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": ids})
}

func (h *Handlers) handleGetWorkflow(c *gin.Context) {
	doc, err := h.store.ReadWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		if errors.Is(err, configstore.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (h *Handlers) handleWriteWorkflow(c *gin.Context) {
	doc, err := c.GetRawData()
	if err != nil || !json.Valid(doc) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON document"})
		return
	}
	workflowID := c.Param("id")
	if err := h.store.WriteWorkflow(c.Request.Context(), workflowID, doc); err != nil {
		if errors.Is(err, configstore.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.publishConfigUpdated(c.Request.Context(), "workflow", workflowID)
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

func (h *Handlers) handleDeleteWorkflow(c *gin.Context) {
	workflowID := c.Param("id")
	if err := h.store.RemoveWorkflow(c.Request.Context(), workflowID); err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		if errors.Is(err, configstore.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.publishConfigUpdated(c.Request.Context(), "workflow", workflowID)

	// Best-effort fan-out; offline agents drop the workflow on next pull.
	for _, agentID := range h.hub.ConnectedAgents() {
		if err := h.hub.SendCommand(agentID, protocol.CommandRemoveWorkflow, map[string]string{"workflowId": workflowID}); err != nil {
			h.logger.Debug("remove-workflow not delivered",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) handleListAlerts(c *gin.Context) {
	limit := 100
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	list, err := h.alerts.List(c.Request.Context(), c.Query("agentId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list})
}

func (h *Handlers) handleAckAlert(c *gin.Context) {
	if err := h.alerts.Acknowledge(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, alerts.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
