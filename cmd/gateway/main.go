package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/droverhq/drover/cmd/gateway/internal/handlers"
	"github.com/droverhq/drover/cmd/gateway/internal/middleware"
	authpkg "github.com/droverhq/drover/internal/auth"
	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/mailbox"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/pricing"
	"github.com/droverhq/drover/internal/streaming"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/workflow"
	"github.com/droverhq/drover/internal/workspace"
)

func main() {
	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		bootLogger.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	// Initialize database
	dbClient, err := db.NewClient(cfg.Database.ClientConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbClient.Close()

	// sqlx wrapper for the auth service
	pgDB := sqlx.NewDb(dbClient.GetDB(), "postgres")

	// Redis backs rate limiting, idempotency and the event mirror. All three
	// degrade away when no URL is configured.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()

		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		logger.Warn("Redis not configured; rate limiting, idempotency and event mirroring are off")
	}

	// Event stream. The gateway performs lifecycle and workflow transitions
	// itself, so it carries the same recorder and mirror as the daemon and
	// external consumers see one event history regardless of which process
	// made the change.
	events := streaming.NewManager(cfg.Streaming.RingCapacity, logger)
	recorder := streaming.NewRecorder(dbClient, logger)
	events.SetRecorder(recorder)
	if redisClient != nil && cfg.Streaming.MirrorEnabled {
		events.SetMirror(streaming.NewRedisMirror(redisClient, logger))
	}

	// Domain services, shared with the daemon through Postgres.
	table := pricing.LoadTable(cfg.Pricing.Path, logger)
	budgetMgr := budget.NewManagerWithOptions(dbClient, table, logger, cfg.Budget.Options())
	hier := hierarchy.NewService(dbClient, cfg.Hierarchy.MaxDepth, logger)

	lifecycleSvc := lifecycle.NewService(dbClient, hier, budgetMgr, logger)
	lifecycleSvc.SetEvents(events)

	workspaces, err := workspace.NewManager(cfg.Workspace.BasePath, logger)
	if err != nil {
		logger.Fatal("Failed to prepare workspace base", zap.Error(err))
	}
	lifecycleSvc.SetWorkspaceManager(workspaces)

	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(cfg.Policy, logger)
		if err != nil {
			logger.Fatal("Failed to load policy", zap.Error(err))
		}
		if engine.Enabled() {
			lifecycleSvc.SetAdmitter(policy.NewSpawnGate(engine))
		}
	}

	mailboxSvc := mailbox.NewService(dbClient, logger)
	mailboxSvc.SetEvents(events)

	workflowSvc := workflow.NewService(dbClient, logger)
	workflowSvc.SetEvents(events)

	workflowEngine := workflow.NewEngine(dbClient, lifecycleSvc, logger)
	workflowEngine.SetEvents(events)

	// Terminations issued through this process must advance graphs and fire
	// tracker postbacks just like daemon-side ones.
	lifecycleSvc.RegisterTerminalHook(workflowEngine.HandleAgentTerminal)

	var notifier *tracker.Notifier
	if cfg.Tracker.Enabled && cfg.Tracker.PostbackURL != "" {
		notifier = tracker.NewNotifier(cfg.Tracker, logger)
		notifier.Start()
		lifecycleSvc.RegisterTerminalHook(notifier.HandleAgentTerminal)
	}

	authService := authpkg.NewService(pgDB, logger, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	// Create handlers
	agentHandler := handlers.NewAgentHandler(lifecycleSvc, hier, budgetMgr, logger)
	messageHandler := handlers.NewMessageHandler(mailboxSvc, logger)
	workflowHandler := handlers.NewWorkflowHandler(workflowSvc, workflowEngine, logger)
	authHandler := handlers.NewAuthHandler(authService, logger)
	healthHandler := handlers.NewHealthHandler(dbClient, redisClient, logger)

	// Create middlewares
	skipAuth := cfg.Auth.SkipAuth || !cfg.Auth.Enabled
	if skipAuth {
		logger.Warn("Gateway authentication disabled; requests run as the dev identity")
	}
	authn := authpkg.NewMiddleware(authService, skipAuth).Handler
	tracingMiddleware := middleware.NewTracingMiddleware(logger).Middleware
	validationMiddleware := middleware.NewValidationMiddleware(logger).Middleware

	rateLimiter := passthrough
	idempotencyMiddleware := passthrough
	if redisClient != nil {
		if cfg.Service.RateLimitPerMinute > 0 {
			rateLimiter = middleware.NewRateLimiter(redisClient, cfg.Service.RateLimitPerMinute, logger).Middleware
		}
		idempotencyMiddleware = middleware.NewIdempotencyMiddleware(redisClient, logger).Middleware
	}

	// Setup HTTP mux
	mux := http.NewServeMux()

	// Probes and metrics (no auth required)
	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.HandleFunc("GET /readiness", healthHandler.Readiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Credential endpoints carry their own per-IP limiter in the handler.
	mux.Handle("POST /auth/login",
		tracingMiddleware(
			middleware.Named("auth_login",
				http.HandlerFunc(authHandler.Login),
			),
		),
	)

	mux.Handle("POST /auth/register",
		tracingMiddleware(
			middleware.Named("auth_register",
				http.HandlerFunc(authHandler.Register),
			),
		),
	)

	// API key management (require auth; the handler checks key-management
	// rights). No idempotency middleware here so plaintext keys never land
	// in the response cache.
	mux.Handle("POST /auth/apikeys",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("apikeys_create",
							http.HandlerFunc(authHandler.CreateKey),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /auth/apikeys",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("apikeys_list",
							http.HandlerFunc(authHandler.ListKeys),
						),
					),
				),
			),
		),
	)

	mux.Handle("DELETE /auth/apikeys/{id}",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("apikeys_revoke",
							http.HandlerFunc(authHandler.RevokeKey),
						),
					),
				),
			),
		),
	)

	// Agent endpoints (require auth)
	mux.Handle("POST /api/v1/agents",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("agents_spawn",
								middleware.RequireScope(authpkg.ScopeAgentsWrite,
									http.HandlerFunc(agentHandler.Spawn),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/agents",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("agents_list",
							middleware.RequireScope(authpkg.ScopeAgentsRead,
								http.HandlerFunc(agentHandler.List),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/agents/{id}",
		tracingMiddleware(
			authn(
				validationMiddleware(
					middleware.Named("agents_get",
						middleware.RequireScope(authpkg.ScopeAgentsRead,
							http.HandlerFunc(agentHandler.Get),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/agents/{id}/budget",
		tracingMiddleware(
			authn(
				validationMiddleware(
					middleware.Named("agents_budget",
						middleware.RequireScope(authpkg.ScopeAgentsRead,
							http.HandlerFunc(agentHandler.GetBudget),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/agents/{id}/tree",
		tracingMiddleware(
			authn(
				validationMiddleware(
					middleware.Named("agents_tree",
						middleware.RequireScope(authpkg.ScopeAgentsRead,
							http.HandlerFunc(agentHandler.GetTree),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/agents/{id}/terminate",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("agents_terminate",
								middleware.RequireScope(authpkg.ScopeAgentsWrite,
									http.HandlerFunc(agentHandler.Terminate),
								),
							),
						),
					),
				),
			),
		),
	)

	// Message endpoints (require auth)
	mux.Handle("POST /api/v1/messages",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("messages_send",
								middleware.RequireScope(authpkg.ScopeMessagesSend,
									http.HandlerFunc(messageHandler.Send),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/messages/broadcast",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("messages_broadcast",
								middleware.RequireScope(authpkg.ScopeMessagesSend,
									http.HandlerFunc(messageHandler.Broadcast),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/agents/{id}/messages/receive",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("messages_receive",
								middleware.RequireScope(authpkg.ScopeMessagesSend,
									http.HandlerFunc(messageHandler.Receive),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/messages/processed",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("messages_processed",
								middleware.RequireScope(authpkg.ScopeMessagesSend,
									http.HandlerFunc(messageHandler.MarkProcessed),
								),
							),
						),
					),
				),
			),
		),
	)

	// Template endpoints (require auth)
	mux.Handle("GET /api/v1/templates",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("templates_list",
							middleware.RequireScope(authpkg.ScopeWorkflowsRead,
								http.HandlerFunc(workflowHandler.ListTemplates),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/templates",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("templates_create",
								middleware.RequireScope(authpkg.ScopeWorkflowsWrite,
									http.HandlerFunc(workflowHandler.CreateTemplate),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/templates/{id}/instantiate",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("templates_instantiate",
								middleware.RequireScope(authpkg.ScopeWorkflowsWrite,
									http.HandlerFunc(workflowHandler.Instantiate),
								),
							),
						),
					),
				),
			),
		),
	)

	// Workflow endpoints (require auth)
	mux.Handle("GET /api/v1/workflows",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						middleware.Named("workflows_list",
							middleware.RequireScope(authpkg.ScopeWorkflowsRead,
								http.HandlerFunc(workflowHandler.ListGraphs),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/workflows/{id}",
		tracingMiddleware(
			authn(
				validationMiddleware(
					middleware.Named("workflows_get",
						middleware.RequireScope(authpkg.ScopeWorkflowsRead,
							http.HandlerFunc(workflowHandler.GetGraph),
						),
					),
				),
			),
		),
	)

	mux.Handle("GET /api/v1/workflows/{id}/progress",
		tracingMiddleware(
			authn(
				validationMiddleware(
					middleware.Named("workflows_progress",
						middleware.RequireScope(authpkg.ScopeWorkflowsRead,
							http.HandlerFunc(workflowHandler.Progress),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/workflows/{id}/execute",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("workflows_execute",
								middleware.RequireScope(authpkg.ScopeWorkflowsWrite,
									http.HandlerFunc(workflowHandler.Execute),
								),
							),
						),
					),
				),
			),
		),
	)

	mux.Handle("POST /api/v1/workflows/{id}/terminate",
		tracingMiddleware(
			authn(
				validationMiddleware(
					rateLimiter(
						idempotencyMiddleware(
							middleware.Named("workflows_terminate",
								middleware.RequireScope(authpkg.ScopeWorkflowsWrite,
									http.HandlerFunc(workflowHandler.Terminate),
								),
							),
						),
					),
				),
			),
		),
	)

	// CORS wrapper for all routes
	corsHandler := corsMiddleware(mux, cfg.Service.CORSOrigins)

	// Create HTTP server
	server := &http.Server{
		Addr:           ":" + strconv.Itoa(cfg.Service.Port),
		Handler:        corsHandler,
		ReadTimeout:    cfg.Service.ReadTimeout,
		WriteTimeout:   cfg.Service.WriteTimeout,
		IdleTimeout:    300 * time.Second,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Gateway starting",
			zap.Int("port", cfg.Service.Port),
			zap.Bool("auth_enabled", !skipAuth),
			zap.Bool("redis_enabled", redisClient != nil),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Gateway shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway forced to shutdown", zap.Error(err))
	}

	if notifier != nil {
		notifier.Stop()
	}
	recorder.Close()

	logger.Info("Gateway stopped")
}

// passthrough stands in for the Redis-backed middlewares when no Redis is
// configured.
func passthrough(next http.Handler) http.Handler { return next }

// corsMiddleware answers preflight and marks allowed origins. An empty list
// or "*" allows any origin.
func corsMiddleware(next http.Handler, origins []string) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	const allowedHeaders = "Content-Type, Authorization, X-API-Key, Idempotency-Key, traceparent, tracestate, X-Trace-ID, X-Request-ID"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
