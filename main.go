package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/circuitbreaker"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/health"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/httpapi"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/mailbox"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/pricing"
	"github.com/droverhq/drover/internal/streaming"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/workflow"
	"github.com/droverhq/drover/internal/workspace"
)

func main() {
	// Local runs keep their settings in .env; absence is normal.
	_ = godotenv.Load()

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

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Database is mandatory; everything else degrades.
	dbClient, err := db.NewClient(cfg.Database.ClientConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbClient.Close()

	if err := dbClient.RunMigrations(); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()

		if _, err := redisClient.Ping(rootCtx).Result(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		logger.Warn("Redis not configured; event mirroring is off")
	}

	// Event stream: in-process fanout, persisted log, optional Redis
	// Streams mirror for external consumers.
	events := streaming.NewManager(cfg.Streaming.RingCapacity, logger)
	recorder := streaming.NewRecorder(dbClient, logger)
	events.SetRecorder(recorder)
	if redisClient != nil && cfg.Streaming.MirrorEnabled {
		events.SetMirror(streaming.NewRedisMirror(redisClient, logger))
	}

	// Domain services.
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

	var policyEngine *policy.Engine
	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(cfg.Policy, logger)
		if err != nil {
			logger.Fatal("Failed to load policy", zap.Error(err))
		}
		if engine.Enabled() {
			lifecycleSvc.SetAdmitter(policy.NewSpawnGate(engine))
			policyEngine = engine
		}
	}

	mailboxSvc := mailbox.NewService(dbClient, logger)
	mailboxSvc.SetEvents(events)

	workflowSvc := workflow.NewService(dbClient, logger)
	workflowSvc.SetEvents(events)

	workflowEngine := workflow.NewEngine(dbClient, lifecycleSvc, logger)
	workflowEngine.SetEvents(events)

	// Terminal transitions advance workflow graphs before anything else
	// sees them.
	lifecycleSvc.RegisterTerminalHook(workflowEngine.HandleAgentTerminal)

	var notifier *tracker.Notifier
	if cfg.Tracker.Enabled && cfg.Tracker.PostbackURL != "" {
		notifier = tracker.NewNotifier(cfg.Tracker, logger)
		notifier.Start()
		lifecycleSvc.RegisterTerminalHook(notifier.HandleAgentTerminal)
	}

	// The executor runs agent tasks. Without an endpoint the deterministic
	// stub stands in, which keeps local clusters and CI self-contained.
	var invoker executor.Invoker
	var execClient *executor.Client
	if cfg.Executor.Endpoint != "" {
		execClient = executor.NewClient(cfg.Executor, logger)
		invoker = execClient
	} else {
		logger.Warn("No executor endpoint configured; using the built-in stub")
		invoker = &executor.Stub{}
	}

	worker := dispatch.NewWorker(dbClient, lifecycleSvc, budgetMgr, invoker, logger, cfg.Dispatch)
	worker.SetEvents(events)

	// Executions interrupted by the previous run fail now, before the
	// claim loop can double-run them.
	recoverCtx, recoverCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if n, err := worker.RecoverOrphans(recoverCtx); err != nil {
		logger.Warn("Orphan recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered orphaned executions", zap.Int("count", n))
	}
	recoverCancel()
	worker.Start()

	poller := workflow.NewPoller(dbClient, workflowEngine, cfg.Workflow.Poller, logger)
	poller.Start()

	retention := mailbox.NewRetention(dbClient, logger, cfg.Mailbox.Retention)
	retention.Start()

	var trackerHandler *tracker.WebhookHandler
	if cfg.Tracker.Enabled {
		trackerSvc := tracker.NewService(lifecycleSvc, cfg.Tracker.Rules, logger)
		trackerHandler = tracker.NewWebhookHandler(trackerSvc, cfg.Tracker.WebhookToken, cfg.Tracker.MaxBodyBytes, logger)
	}

	// Health checks and the admin listener.
	hm := health.NewManager(cfg.Health.CheckInterval, cfg.Health.CheckTimeout, logger)
	hm.Register(health.NewDatabaseChecker(dbClient.Wrapper()))
	if redisClient != nil {
		hm.Register(health.NewRedisChecker(circuitbreaker.NewRedisWrapper(redisClient, logger)))
	}
	if execClient != nil {
		hm.Register(health.NewExecutorChecker(execClient))
	}
	hm.Register(health.NewWorkspaceChecker(workspaces))
	hm.Start()

	admin := httpapi.NewAdminServer(cfg.Service.AdminPort, httpapi.AdminDeps{
		Health:  health.NewHTTPHandler(hm, logger),
		Ops:     httpapi.NewOpsHandler(hier, workflowSvc, dbClient, logger),
		Tracker: trackerHandler,
	}, logger)
	admin.Start()

	cfgManager := startConfigWatch(rootCtx, cfg, worker, policyEngine, logger)

	go sampleAgentGauges(rootCtx, dbClient, logger)

	logger.Info("Orchestrator running",
		zap.Int("admin_port", cfg.Service.AdminPort),
		zap.Bool("policy_enabled", policyEngine != nil),
		zap.Bool("tracker_enabled", cfg.Tracker.Enabled),
		zap.Bool("redis_enabled", redisClient != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Orchestrator shutting down...")
	rootCancel()

	// Stop producers before consumers: no new claims, then drain.
	poller.Stop()
	worker.Stop()
	retention.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	hm.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server forced to shutdown", zap.Error(err))
	}
	if cfgManager != nil {
		_ = cfgManager.Stop()
	}
	recorder.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}

	logger.Info("Orchestrator stopped")
}

// startConfigWatch wires hot reload: drover.yaml changes retune the
// dispatch pacer and policy mode, .rego changes recompile policies. A
// watch failure only costs reload, never boot.
func startConfigWatch(ctx context.Context, cfg *config.Config, worker *dispatch.Worker, engine *policy.Engine, logger *zap.Logger) *config.Manager {
	dir := os.Getenv("CONFIG_PATH")
	if dir == "" {
		dir = "./config"
	} else if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}

	manager, err := config.NewManager(dir, logger)
	if err != nil {
		logger.Warn("Config watch unavailable", zap.Error(err))
		return nil
	}

	manager.BindConfig("drover.yaml", func(next *config.Config) error {
		worker.Tune(next.Dispatch.RatePerSecond, next.Dispatch.RateBurst)
		if engine != nil {
			engine.SetMode(next.Policy.Mode)
		}
		return nil
	})
	if engine != nil {
		manager.RegisterPolicyHandler(engine.LoadPolicies)
		if cfg.Policy.Path != "" {
			if err := manager.WatchDir(cfg.Policy.Path); err != nil {
				logger.Warn("Policy directory watch failed", zap.Error(err))
			}
		}
	}

	if err := manager.Start(ctx); err != nil {
		logger.Warn("Config watch start failed", zap.Error(err))
		return nil
	}
	return manager
}

// sampleAgentGauges refreshes the executing-agents gauge from the store.
// The dispatch worker owns the counter increments; this keeps the gauge
// honest across restarts and multi-process deployments.
func sampleAgentGauges(ctx context.Context, client *db.Client, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			counts, err := client.AgentStatusCounts(countCtx)
			cancel()
			if err != nil {
				logger.Debug("Agent gauge sample failed", zap.Error(err))
				continue
			}
			metrics.AgentsExecuting.Set(float64(counts[db.AgentStatusExecuting]))
		}
	}
}
