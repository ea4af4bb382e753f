// Package api serves the agent's local read-mostly HTTP surface. It is
// normally reached through the controller's pull-through proxy, which
// adds authentication and routing.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agentcfg "github.com/flowmesh/flowmesh/internal/agent/config"
	"github.com/flowmesh/flowmesh/internal/agent/workflow"
	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// Info is the static identity block served by /info.
type Info struct {
	Version      string `json:"version"`
	AgentID      string `json:"agentId"`
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	PublicKeyPEM string `json:"publicKey"`
	SSHPort      int    `json:"sshPort"`
}

// Server is the agent local API.
type Server struct {
	info    Info
	engine  *workflow.Engine
	journal *workflow.Journal
	logger  *logger.Logger
	logPath string

	mu      sync.RWMutex
	browser agentcfg.FileBrowserSettings

	httpServer *http.Server
}

// New builds the API server. CORS origins are a deployment choice and
// default to none.
func New(port int, corsOrigins []string, info Info, engine *workflow.Engine, journal *workflow.Journal, browser agentcfg.FileBrowserSettings, logPath string, log *logger.Logger) *Server {
	s := &Server{
		info:    info,
		engine:  engine,
		journal: journal,
		logger:  log.WithFields(zap.String("component", "agent-api")),
		logPath: logPath,
		browser: browser,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(corsOrigins) > 0 {
		router.Use(corsMiddleware(corsOrigins))
	}

	router.GET("/healthz", s.health)
	router.GET("/info", s.infoHandler)
	router.GET("/logs", s.logs)
	router.GET("/logs/download", s.logsDownload)
	router.GET("/workflows/executions", s.executions)
	router.GET("/workflows/state", s.workflowState)
	router.GET("/metrics", s.metrics)
	router.GET("/loglevel", s.getLogLevel)
	router.POST("/loglevel", s.setLogLevel)
	router.PUT("/loglevel", s.setLogLevel)

	files := router.Group("/files")
	{
		files.GET("/browse", s.browse)
		files.GET("/download", s.download)
		files.POST("/upload", s.upload)
		files.POST("/mkdir", s.mkdir)
		files.DELETE("/delete", s.deleteFile)
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

// UpdateBrowserSettings swaps the file-browser policy after a config
// reload.
func (s *Server) UpdateBrowserSettings(settings agentcfg.FileBrowserSettings) {
	s.mu.Lock()
	s.browser = settings
	s.mu.Unlock()
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Agent API listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"agentId": s.info.AgentID,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.info)
}

func (s *Server) executions(c *gin.Context) {
	records := s.journal.List(c.Query("workflowId"))
	c.JSON(http.StatusOK, gin.H{"executions": records, "count": len(records)})
}

func (s *Server) workflowState(c *gin.Context) {
	type stepSummary struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}
	type workflowSummary struct {
		ID      string        `json:"id"`
		Name    string        `json:"name"`
		Enabled bool          `json:"enabled"`
		Trigger string        `json:"trigger"`
		Steps   []stepSummary `json:"steps"`
	}

	workflows := s.engine.List()
	out := make([]workflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		summary := workflowSummary{
			ID:      wf.ID,
			Name:    wf.Name,
			Enabled: wf.Enabled,
			Trigger: wf.Trigger.Type,
		}
		for _, step := range wf.Steps {
			summary.Steps = append(summary.Steps, stepSummary{ID: step.ID, Type: step.Type, Name: step.Name})
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out, "count": len(out)})
}

func (s *Server) metrics(c *gin.Context) {
	var logSize int64
	if info, err := os.Stat(s.logPath); err == nil {
		logSize = info.Size()
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":         s.info.AgentID,
		"hostname":        s.info.Hostname,
		"platform":        s.info.Platform,
		"goroutines":      runtime.NumGoroutine(),
		"workflowsLoaded": len(s.engine.List()),
		"logFileBytes":    logSize,
		"journalBytes":    s.journal.Size(),
	})
}

func (s *Server) getLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"currentLevel": s.logger.Level()})
}

func (s *Server) setLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	oldLevel := s.logger.Level()
	if err := s.logger.SetLevel(req.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown level %q", req.Level)})
		return
	}
	s.logger.Info("Log level changed via API",
		zap.String("oldLevel", oldLevel),
		zap.String("newLevel", s.logger.Level()))
	c.JSON(http.StatusOK, gin.H{"currentLevel": s.logger.Level()})
}
