// Package main is the entry point for the codeherd orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codeherd/codeherd/internal/common/config"
	"github.com/codeherd/codeherd/internal/common/httpmw"
	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/events"
	"github.com/codeherd/codeherd/internal/gateway/websocket"
	"github.com/codeherd/codeherd/internal/orchestrator"
	"github.com/codeherd/codeherd/internal/orchestrator/api"
	"github.com/codeherd/codeherd/internal/orchestrator/chatlock"
	"github.com/codeherd/codeherd/internal/orchestrator/executor"
	"github.com/codeherd/codeherd/internal/orchestrator/planstore"
	"github.com/codeherd/codeherd/internal/orchestrator/queue"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
	"github.com/codeherd/codeherd/internal/storage"
	"github.com/codeherd/codeherd/pkg/claudecode"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting codeherd orchestrator...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Durable document stores
	queueStore, err := storage.NewStore(cfg.Storage.DataDir, "task-queue.json")
	if err != nil {
		log.Fatal("Failed to open task queue store", zap.Error(err))
	}
	trackerStore, err := storage.NewStore(cfg.Storage.DataDir, "active-tasks.json")
	if err != nil {
		log.Fatal("Failed to open active tasks store", zap.Error(err))
	}
	planStore, err := storage.NewStore(cfg.Storage.DataDir, "pending-plans.json")
	if err != nil {
		log.Fatal("Failed to open pending plans store", zap.Error(err))
	}

	// 5. Orchestrator state
	taskQueue, err := queue.NewTaskQueue(queueStore, cfg.Queue.MaxPerChat)
	if err != nil {
		log.Fatal("Failed to load task queue", zap.Error(err))
	}
	activeTracker, err := tracker.NewTracker(trackerStore)
	if err != nil {
		log.Fatal("Failed to load active task tracker", zap.Error(err))
	}
	plans, err := planstore.NewStore(planStore)
	if err != nil {
		log.Fatal("Failed to load plan store", zap.Error(err))
	}
	locks := chatlock.NewManager()

	agentRegistry := registry.New(eventBus, registry.Config{
		OutputBufferLines: cfg.Registry.OutputBufferLines,
		HistoryLimit:      cfg.Registry.HistoryLimit,
		Retention:         cfg.Registry.Retention(),
	}, log)
	defer agentRegistry.Stop()

	// 6. Executor over the agent CLI
	invoker := claudecode.NewClient(log)
	exec := executor.New(invoker, agentRegistry, activeTracker, cfg.Agent, executor.ConfigFromApp(cfg.Executor), log)

	// 7. Orchestrator service
	service := orchestrator.NewService(locks, taskQueue, activeTracker, plans, agentRegistry, exec, eventBus, log)

	// 8. Surface tasks interrupted by the previous shutdown
	if err := service.RecoverStartup(); err != nil {
		log.Error("Startup recovery failed", zap.Error(err))
	}

	// 9. WebSocket observer gateway
	gateway := websocket.Setup(service, agentRegistry, eventBus, log)
	if err := gateway.Start(ctx); err != nil {
		log.Fatal("Failed to start WebSocket gateway", zap.Error(err))
	}
	defer gateway.Stop()

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "codeherd"))

	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, service, agentRegistry, log)
	gateway.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Serve until a shutdown signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down codeherd orchestrator...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			log.Error("Orchestrator shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("HTTP server error", zap.Error(err))
	}
	log.Info("codeherd orchestrator stopped")
}
