package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soledgic/soledgic/cmd/soledgic/cli"
	"github.com/soledgic/soledgic/internal/app"
	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/egress"
	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/inbox"
	"github.com/soledgic/soledgic/internal/ledger"
	"github.com/soledgic/soledgic/internal/notify"
	"github.com/soledgic/soledgic/internal/observability"
	"github.com/soledgic/soledgic/internal/platform/background"
	"github.com/soledgic/soledgic/internal/platform/cache"
	"github.com/soledgic/soledgic/internal/platform/db"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/risk"
	"github.com/soledgic/soledgic/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}

	// Operator subcommands only need the queue.
	if len(os.Args) > 1 {
		ops, err := cli.NewOpsCLI(redisOpts)
		if err != nil {
			logger.Error("init cli", slog.Any("error", err))
			os.Exit(1)
		}
		code := ops.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
		_ = ops.Close()
		os.Exit(code)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()
	if cfg.PGMigrate {
		if err := db.Migrate(ctx, dbpool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	fallbackDB, err := db.NewIsolated(ctx, cfg.PGDSN, cfg.PGFallbackMaxConns)
	if err != nil {
		logger.Error("connect fallback limiter pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := fallbackDB.Close(); err != nil {
			logger.Warn("fallback pool close", slog.Any("error", err))
		}
	}()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Timeout: cfg.RedisTimeout})
	if err != nil {
		// The limiter degrades to the fallback tier; keep serving.
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	tasks := background.NewQueue(background.Options{Size: cfg.AuditQueueSize, Workers: 2, Logger: logger})
	tasks.Start()

	sink := audit.NewSink(audit.SinkConfig{
		Store:                   audit.NewRepository(dbpool),
		Queue:                   tasks,
		Logger:                  logger,
		SecurityEventsPerSecond: cfg.SecurityEventsPerSecond,
	})

	policy, err := ratelimit.NewPolicy(cfg.RateLimitOverrides, cfg.FailClosedEndpoints)
	if err != nil {
		logger.Error("rate limit policy", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := ratelimit.New(ratelimit.Config{
		Primary:      ratelimit.NewRedisTier(redisClient),
		Fallback:     ratelimit.NewSQLTier(fallbackDB),
		Policy:       policy,
		Health:       ratelimit.NewHealth(cfg.BreakerCooldown),
		Timeout:      cfg.RedisTimeout,
		PreAuthQuota: ratelimit.Quota{Requests: cfg.PreAuthLimit, Window: time.Minute},
		Observer:     metrics,
		Logger:       logger,
	})

	apiGate := gate.New(gate.Config{
		Maintenance:      cfg.MaintenanceMode,
		HealthPath:       app.HealthPath,
		BlockedIPs:       cfg.BlockedIPs,
		BlockedCountries: cfg.BlockedCountries,
		CountryHeader:    cfg.CountryHeader,
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowlistMode:    cfg.AllowlistMode,
		AllowedKeyHashes: cfg.AllowedAPIKeys,
		InternalToken:    cfg.InternalServiceToken,
		BodyLimits:       cfg.BodyLimitOverrides,
	}, gate.NewTenantStore(dbpool), limiter, sink, logger)

	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	publisher := notify.NewPublisher(jobClient, logger)

	dispatcher := egress.New(egress.Config{
		Production: cfg.IsProduction(),
		Timeout:    cfg.EgressTimeout,
		Events:     sink,
		Observer:   metrics,
		Logger:     logger,
	})

	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), ledger.Options{
		Notifier:    publisher,
		Audit:       sink,
		Tasks:       tasks,
		ValidateURL: dispatcher.ValidateURL,
		Logger:      logger,
	})
	ledgerHandler := ledger.NewHandler(logger, ledgerService, cfg.IsProduction())

	riskService := risk.NewService(risk.NewRepository(dbpool), logger)
	riskHandler := risk.NewHandler(logger, riskService, cfg.IsProduction())

	inboxStore := inbox.NewPGStore(dbpool).WithClaimLease(cfg.InboxClaimLease)
	pipeline := inbox.NewPipeline(inbox.PipelineConfig{
		Store:    inboxStore,
		Ledger:   ledgerService,
		Notifier: publisher,
		Adapter:  cfg.ProcessorAdapter,
		Observer: metrics,
		Logger:   logger,
	})
	inboxHandler := inbox.NewHandler(inbox.HandlerConfig{
		Runner:     pipeline,
		Store:      inboxStore,
		Verifier:   inbox.NewVerifier(cfg.ProcessorWebhookSecret),
		Events:     sink,
		Logger:     logger,
		BatchSize:  cfg.InboxBatchSize,
		Production: cfg.IsProduction(),
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Gate:          apiGate,
		LedgerHandler: ledgerHandler,
		RiskHandler:   riskHandler,
		InboxHandler:  inboxHandler,
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := tasks.Close(shutdownCtx); err != nil {
		logger.Warn("drain background tasks", slog.Any("error", err))
	}
}
