// Package proxy is the controller's pull-through proxy to agent local
// APIs. It resolves the target address from the registry (operator-pinned
// API address first, connection-observed IP otherwise) and forwards the
// request with a bounded timeout.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
)

// defaultAgentAPIPort is used when only an observed IP is known.
const defaultAgentAPIPort = 8088

// Proxy forwards read-mostly requests to agent local APIs.
type Proxy struct {
	registry *registry.Service
	client   *http.Client
	logger   *logger.Logger
}

// New creates a proxy with the given per-request timeout (T_proxy).
func New(reg *registry.Service, timeout time.Duration, log *logger.Logger) *Proxy {
	return &Proxy{
		registry: reg,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithFields(zap.String("component", "proxy")),
	}
}

// Handle forwards /api/v1/agents/:id/proxy/*path to the agent.
func (p *Proxy) Handle(c *gin.Context) {
	agentID := c.Param("id")
	agent, err := p.registry.Get(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	base := agent.APIAddress
	if base == "" {
		if agent.ObservedIP == "" {
			c.JSON(http.StatusBadGateway, gin.H{"error": "agent has no known address"})
			return
		}
		base = fmt.Sprintf("http://%s:%d", agent.ObservedIP, defaultAgentAPIPort)
	}

	target := base + c.Param("path")
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", c.GetHeader("Content-Type"))

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("Proxy request failed",
			zap.String("agent_id", agentID),
			zap.String("target", target),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "agent unreachable"})
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	for k, vals := range resp.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		p.logger.Debug("Proxy body copy interrupted", zap.Error(err))
	}
}
