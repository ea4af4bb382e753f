// Package main is the entry point for the flowmesh controller. One
// process hosts the control-channel hub, the agent registry, the Git
// config store with its SSH transport, the alert sink, and the admin
// HTTP API with the pull-through proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/common/config"
	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/internal/controller/alerts"
	"github.com/flowmesh/flowmesh/internal/controller/configstore"
	"github.com/flowmesh/flowmesh/internal/controller/gitserver"
	"github.com/flowmesh/flowmesh/internal/controller/handlers"
	"github.com/flowmesh/flowmesh/internal/controller/hub"
	"github.com/flowmesh/flowmesh/internal/controller/proxy"
	"github.com/flowmesh/flowmesh/internal/controller/registry"
	"github.com/flowmesh/flowmesh/internal/events"
	"github.com/flowmesh/flowmesh/internal/events/bus"
)

func main() {
	configPath := flag.String("config", "", "path to controller config file")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting flowmesh controller...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Registry + alert sink share one SQLite database.
	store, err := registry.NewStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize registry database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer store.Close()
	log.Info("Registry database initialized", zap.String("db_path", cfg.Database.Path))

	registrySvc := registry.NewService(store, eventBus, log)

	alertStore, err := alerts.NewStore(store.DB(), log)
	if err != nil {
		log.Fatal("Failed to initialize alert store", zap.Error(err))
	}
	// Offline transitions surface in the operator alert feed.
	if _, err := alerts.WatchLifecycle(eventBus, alertStore, log); err != nil {
		log.Fatal("Failed to subscribe lifecycle alerts", zap.Error(err))
	}

	// Git config store and its authenticated transport.
	cfgStore, err := configstore.New(cfg.ConfigRepo.Path, log)
	if err != nil {
		log.Fatal("Failed to initialize config store", zap.Error(err))
	}

	pushHook := func(ctx context.Context, agentID string) {
		doc, err := cfgStore.AbsorbPush(ctx, agentID)
		if err != nil {
			log.Warn("Push absorbed but agent config unreadable",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if err := registrySvc.MirrorConfig(ctx, agentID, string(doc)); err != nil {
			log.Warn("Failed to mirror pushed config",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		_ = eventBus.Publish(ctx, events.ConfigPushed,
			bus.NewEvent(events.ConfigPushed, "gitserver", map[string]interface{}{"agent_id": agentID}))
	}

	gitSrv, err := gitserver.New(gitserver.Config{
		Host:        cfg.GitServer.Host,
		Port:        cfg.GitServer.Port,
		HostKeyPath: cfg.GitServer.HostKeyPath,
	}, cfgStore.Path(), registrySvc, pushHook, log)
	if err != nil {
		log.Fatal("Failed to initialize git server", zap.Error(err))
	}

	// Control-channel hub.
	controlHub := hub.New(registrySvc, alertStore, eventBus, cfg.Hub.HeartbeatIntervalDuration(), cfg.GitServer.CloneURL(), log)

	// Admin HTTP API with the pull-through proxy.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	agentProxy := proxy.New(registrySvc, cfg.Proxy.TimeoutDuration(), log)
	adminAPI := handlers.New(registrySvc, controlHub, cfgStore, alertStore, agentProxy, eventBus, log)
	adminAPI.Register(router)
	router.GET("/ws/agent", func(c *gin.Context) {
		controlHub.HandleConnection(c.Writer, c.Request)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return gitSrv.ListenAndServe(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		controlHub.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil {
		log.Error("Controller exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Controller stopped")
}
