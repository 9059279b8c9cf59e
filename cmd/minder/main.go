// Minder server — ingests platform messages, drafts replies through the
// two-stage LLM pipeline, surfaces them to human reviewers, and dispatches
// approved bubbles back to the platform.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitloop/minder/pkg/activity"
	"github.com/hitloop/minder/pkg/api"
	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/config"
	"github.com/hitloop/minder/pkg/database"
	"github.com/hitloop/minder/pkg/dispatch"
	"github.com/hitloop/minder/pkg/ingress"
	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/platform"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/recovery"
	"github.com/hitloop/minder/pkg/review"
	"github.com/hitloop/minder/pkg/safety"
	"github.com/hitloop/minder/pkg/store"
	"github.com/hitloop/minder/pkg/supervisor"
	"github.com/hitloop/minder/pkg/version"
)

// Process exit codes.
const (
	exitOK           = 0
	exitConfig       = 2
	exitStoreDown    = 3
	exitBrokerDown   = 4
	exitPlatformDown = 5
)

// resolvePodID determines the instance identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	podID := resolvePodID()
	logger.Info("Starting minder", "version", version.Full(), "pod_id", podID)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return exitConfig
	}
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database configuration", "error", err)
		return exitConfig
	}
	dbCfg.StatementTimeout = cfg.StoreTimeout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store.
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("Failed to connect to the store", "error", err)
		return exitStoreDown
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	stores := store.New(dbClient.DB())
	logger.Info("Connected to PostgreSQL")

	// Broker.
	brk, err := broker.NewClient(ctx, broker.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		OpTimeout: cfg.CacheTimeout,
	})
	if err != nil {
		logger.Error("Failed to connect to the broker", "error", err)
		return exitBrokerDown
	}
	defer func() {
		if err := brk.Close(); err != nil {
			logger.Error("Error closing broker client", "error", err)
		}
	}()
	logger.Info("Connected to Redis")

	// Platform. Startup reachability is fatal; transient failures later are
	// retried at the call sites.
	slackClient, err := platform.NewSlackClient(ctx, cfg.SlackToken, cfg.PlatformTimeout, logger)
	if err != nil {
		logger.Error("Failed to reach the chat platform", "error", err)
		return exitPlatformDown
	}
	logger.Info("Authenticated with the chat platform")

	// LLM routing.
	providers := map[string]llm.Provider{}
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.LLMTimeout)
	}
	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMTimeout)
	}
	profiles := llm.DefaultProfiles()
	if cfg.LLMProfilesPath != "" {
		if profiles, err = llm.LoadProfilesFile(cfg.LLMProfilesPath); err != nil {
			logger.Error("Failed to load LLM profiles", "path", cfg.LLMProfilesPath, "error", err)
			return exitConfig
		}
	}
	router, err := llm.NewRouter(providers, profiles, cfg.LLMProfile, brk, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM router", "error", err)
		return exitConfig
	}

	// Domain services.
	mem := memory.NewManager(brk, cfg.MemoryMaxMessages, cfg.MemoryMaxBytes, logger)
	filter := safety.NewFilter(safety.Config{})
	protoMgr := protocol.NewManager(stores, brk, logger)
	ingressAdapter := ingress.NewAdapter(stores, brk, protoMgr, cfg.TypingWindow, cfg.IntakeHighWatermark, logger)
	reviewSvc := review.NewService(stores, brk, logger)

	tracker := activity.NewTracker(activity.Config{
		DebounceWindow: cfg.DebounceWindow,
		MaxBatch:       cfg.MaxBatch,
		MaxWait:        cfg.MaxWait,
		DrainWorkers:   cfg.IntakeWorkers,
	}, brk, stores, logger)

	sup := supervisor.New(supervisor.Config{
		Workers:    cfg.SupervisorWorkers,
		RetryMax:   cfg.RetryMax,
		InstanceID: podID,
	}, stores, brk, router, mem, filter, protoMgr, nil, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Workers: cfg.DispatchWorkers,
	}, stores, brk, slackClient, mem, protoMgr, logger)

	recoveryAgent := recovery.New(recovery.Config{
		MaxAge:       cfg.RecoveryMaxAge,
		MaxMessages:  cfg.RecoveryMaxMessages,
		MaxUsers:     cfg.RecoveryMaxUsers,
		RatePerSec:   cfg.RecoveryRatePerSec,
		Workers:      cfg.RecoveryWorkers,
		BreakerTrip:  cfg.RecoveryBreakerTripCnt,
		BreakerRetry: cfg.RecoveryBreakerRetry,
		Cron:         cfg.RecoveryCron,
	}, stores, brk, slackClient, logger)

	apiServer := api.NewServer(api.Config{
		Addr:                  ":" + cfg.HTTPPort,
		AuthToken:             cfg.ReviewAuthToken,
		AllowedOrigins:        cfg.AllowedOrigins,
		IntakeHighWatermark:   int64(cfg.IntakeHighWatermark),
		ApprovedHighWatermark: int64(cfg.ApprovedHighWatermark),
	}, api.Deps{
		Review:   reviewSvc,
		Stores:   stores,
		Broker:   brk,
		DB:       dbClient,
		Protocol: protoMgr,
		Ingress:  ingressAdapter,
		Recovery: recoveryAgent,
		Router:   router,
		Memory:   mem,
	}, logger)

	// Background workers.
	var wg sync.WaitGroup
	runWorker := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Info("Worker stopped", "worker", name)
		}()
	}
	runWorker("activity", func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Activity tracker failed", "error", err)
		}
	})
	runWorker("supervisor", func() { sup.Run(ctx, tracker.Units()) })
	runWorker("dispatch", func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Dispatcher failed", "error", err)
		}
	})
	runWorker("repricer", func() { reviewSvc.RunRepricer(ctx) })
	maint := store.NewMaintenance(stores, time.Hour, logger)
	runWorker("maintenance", func() { maint.Run(ctx) })

	// Startup recovery pass runs in the background so serving starts
	// immediately.
	runWorker("recovery_startup", func() {
		if _, err := recoveryAgent.Run(ctx, models.RecoveryTriggerStartup); err != nil &&
			!errors.Is(err, recovery.ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			logger.Error("Startup recovery pass failed", "error", err)
		}
	})
	if cfg.RecoveryCron != "" {
		stopCron, err := recoveryAgent.StartCron(ctx)
		if err != nil {
			logger.Error("Failed to schedule recovery cron", "error", err)
			return exitConfig
		}
		defer stopCron()
	}

	// HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()
	logger.Info("Minder started", "http_port", cfg.HTTPPort, "profile", router.CurrentProfile())

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting HTTP, then drain workers within the
	// budget. Undelivered approved jobs stay queued; unprocessed intake is
	// re-ingested by recovery on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All workers stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Worker shutdown timeout exceeded")
	}
	return exitOK
}
