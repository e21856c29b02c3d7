// Package main is the unified entry point for AnyWork.
// This single binary runs the whole control plane: the REST API, webhook
// ingress, duplex WebSocket gateway and the optional MCP bridge share one
// process, one store and one event bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/httpmw"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/common/tracing"

	// Event bus
	"github.com/searle-dev/anywork/internal/events/bus"

	// Channel ingress
	"github.com/searle-dev/anywork/internal/channel"
	channelhandlers "github.com/searle-dev/anywork/internal/channel/handlers"
	"github.com/searle-dev/anywork/internal/github"

	// WebSocket gateway
	gateways "github.com/searle-dev/anywork/internal/gateway/websocket"

	// Dispatch and worker lifecycle
	"github.com/searle-dev/anywork/internal/dispatch"
	"github.com/searle-dev/anywork/internal/worker"
	"github.com/searle-dev/anywork/pkg/workerapi"

	// Task service packages
	"github.com/searle-dev/anywork/internal/db"
	taskhandlers "github.com/searle-dev/anywork/internal/task/handlers"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/repository/sqlite"
	taskservice "github.com/searle-dev/anywork/internal/task/service"
	"github.com/searle-dev/anywork/internal/title"

	// MCP bridge
	"github.com/searle-dev/anywork/internal/mcpserver"
)

// Version information (set via ldflags during build)
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AnyWork control plane...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory single-node mode, or NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// ============================================
	// STORE
	// ============================================
	pool, err := db.Open(cfg.Store)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err), zap.String("driver", cfg.Store.Driver))
	}
	defer pool.Close()

	taskRepo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	log.Info("Store initialized", zap.String("driver", pool.DriverName()))

	// ============================================
	// WORKER DRIVER
	// ============================================
	workerClient := workerapi.NewClient(log)
	driver, err := worker.Provide(cfg, workerClient, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize worker driver", zap.Error(err))
	}
	log.Info("Worker driver initialized", zap.String("driver", cfg.Worker.Driver))

	// ============================================
	// CHANNELS
	// ============================================
	registry := channel.NewRegistry()

	duplexChannel := channel.NewDuplexChannel(channel.Defaults{})
	if err := registry.Register(duplexChannel); err != nil {
		log.Fatal("Failed to register duplex channel", zap.Error(err))
	}

	if cfg.Channels.Webhook.Secret != "" {
		webhookChannel := channel.NewWebhookChannel(cfg.Channels.Webhook.Secret, channel.Defaults{
			Skills: skillsFromNames(cfg.Channels.Webhook.DefaultSkills),
		})
		if err := registry.Register(webhookChannel); err != nil {
			log.Fatal("Failed to register webhook channel", zap.Error(err))
		}
		log.Info("Webhook channel enabled")
	}

	if cfg.Channels.GitHub.WebhookSecret != "" && cfg.Channels.GitHub.Token != "" {
		// The bot handle is both the trigger phrase in comments and,
		// without the @, the login whose own comments are ignored.
		botHandle := cfg.Channels.GitHub.BotHandle
		githubChannel := channel.NewGitHubChannel(channel.GitHubConfig{
			WebhookSecret: cfg.Channels.GitHub.WebhookSecret,
			BotLogin:      strings.TrimPrefix(botHandle, "@"),
			TriggerPhrase: botHandle,
			Defaults: channel.Defaults{
				Skills: skillsFromNames(cfg.Channels.GitHub.DefaultSkills),
			},
		}, github.NewClient(cfg.Channels.GitHub.Token), log)
		if err := registry.Register(githubChannel); err != nil {
			log.Fatal("Failed to register github channel", zap.Error(err))
		}
		log.Info("GitHub channel enabled", zap.String("bot_handle", botHandle))
	}
	log.Info("Channels registered", zap.Strings("types", registry.Types()))

	// ============================================
	// TASK SERVICE
	// ============================================
	dispatcher := dispatch.New(taskRepo, driver, workerClient, eventBus, log)

	taskSvc := taskservice.NewService(taskRepo, eventBus, driver, workerClient, log)
	if cfg.Title.APIKey != "" {
		taskSvc.SetTitleGenerator(title.New(cfg.Title, log))
		log.Info("Session title generation enabled", zap.String("model", cfg.Title.Model))
	}
	log.Info("Task service initialized")

	// Reconcile tasks left over from a previous process before accepting
	// new work.
	if err := dispatcher.Recover(ctx, registry); err != nil {
		log.Fatal("Failed to recover task state", zap.Error(err))
	}

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	gateway := gateways.New(taskSvc, dispatcher, duplexChannel, eventBus, log)
	if err := gateway.Start(ctx); err != nil {
		log.Fatal("Failed to start WebSocket gateway", zap.Error(err))
	}
	log.Info("WebSocket gateway started")

	// ============================================
	// HTTP SERVER (REST + webhooks + WebSocket)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.CORSOrigins))
	router.Use(httpmw.RequestLogger(log, "anywork-api"))
	router.Use(httpmw.OtelTracing("anywork-api"))

	// WebSocket endpoint - primary duplex transport
	gateway.RegisterRoutes(router)

	// REST surface (includes /health) and the channel webhook ingress
	taskhandlers.RegisterRoutes(router, taskSvc, registry, version, log)
	channelhandlers.RegisterRoutes(router, taskSvc, dispatcher, registry, log)
	log.Info("Registered HTTP handlers")

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("http", "/api"),
		zap.String("health", "/api/health"),
	)

	// ============================================
	// MCP SERVER
	// ============================================
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
			Port:         cfg.MCP.Port,
			APIURL:       fmt.Sprintf("http://localhost:%d", port),
			WebhookToken: cfg.Channels.Webhook.Secret,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP server started",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AnyWork...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	gateway.Stop()

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server stop error", zap.Error(err))
		}
	}

	if err := driver.Close(shutdownCtx); err != nil {
		log.Error("Worker driver close error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("AnyWork stopped")
}

// skillsFromNames converts configured skill names into task model skills.
func skillsFromNames(names []string) []models.Skill {
	skills := make([]models.Skill, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		skills = append(skills, models.Skill{Name: name})
	}
	if len(skills) == 0 {
		return nil
	}
	return skills
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket
// connections. The default wildcard configuration allows every origin; a
// non-wildcard list echoes back only the configured origins.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin := c.Request.Header.Get("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
