package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/soledgic/soledgic/internal/app"
	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/egress"
	"github.com/soledgic/soledgic/internal/inbox"
	jobmetrics "github.com/soledgic/soledgic/internal/jobs"
	"github.com/soledgic/soledgic/internal/ledger"
	"github.com/soledgic/soledgic/internal/notify"
	"github.com/soledgic/soledgic/internal/platform/background"
	"github.com/soledgic/soledgic/internal/platform/db"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/risk"
	"github.com/soledgic/soledgic/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	fallbackDB, err := db.NewIsolated(ctx, cfg.PGDSN, 1)
	if err != nil {
		logger.Error("connect fallback limiter pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := fallbackDB.Close(); err != nil {
			logger.Warn("fallback pool close", slog.Any("error", err))
		}
	}()

	tasks := background.NewQueue(background.Options{Size: cfg.AuditQueueSize, Workers: 1, Logger: logger})
	tasks.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tasks.Close(closeCtx); err != nil {
			logger.Warn("drain background tasks", slog.Any("error", err))
		}
	}()
	sink := audit.NewSink(audit.SinkConfig{
		Store:                   audit.NewRepository(pool),
		Queue:                   tasks,
		Logger:                  logger,
		SecurityEventsPerSecond: cfg.SecurityEventsPerSecond,
	})

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
		Logger:     logger,
	})
	ledgerService := ledger.NewService(ledger.NewRepository(pool), ledger.Options{
		Notifier:    publisher,
		Audit:       sink,
		Tasks:       tasks,
		ValidateURL: dispatcher.ValidateURL,
		Logger:      logger,
	})
	riskService := risk.NewService(risk.NewRepository(pool), logger)
	pipeline := inbox.NewPipeline(inbox.PipelineConfig{
		Store:    inbox.NewPGStore(pool).WithClaimLease(cfg.InboxClaimLease),
		Ledger:   ledgerService,
		Notifier: publisher,
		Adapter:  cfg.ProcessorAdapter,
		Logger:   logger,
	})

	metrics := jobmetrics.NewRecorder(nil)
	deliverer := notify.NewDeliverer(ledgerService, dispatcher, notify.NewSigner(cfg.WebhookSigningSecret), logger)
	deliveryJob := jobs.NewWebhookDeliveryJob(deliverer, logger, metrics)
	inboxJob := jobs.NewInboxRunJob(pipeline, cfg.InboxBatchSize, logger, metrics)
	maintenance := jobs.NewMaintenanceJobs(riskService, ratelimit.NewSQLTier(fallbackDB), logger, metrics)

	inboxTask, err := jobs.NewInboxRunTask(jobs.InboxRunPayload{Limit: cfg.InboxBatchSize})
	if err != nil {
		logger.Error("build inbox task", slog.Any("error", err))
		os.Exit(1)
	}
	pruneTask, err := jobs.NewRateLimitPruneTask(jobs.DefaultPruneRetention)
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskWebhookDeliver, Handler: deliveryJob.Handle},
			{Type: jobs.TaskProcessorInbox, Handler: inboxJob.Handle},
			{Type: jobs.TaskRiskPurge, Handler: maintenance.HandleRiskPurge},
			{Type: jobs.TaskRateLimitPrune, Handler: maintenance.HandleRateLimitPrune},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.InboxSchedule, Task: inboxTask},
			{Spec: "@hourly", Task: jobs.NewRiskPurgeTask()},
			{Spec: "*/15 * * * *", Task: pruneTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
