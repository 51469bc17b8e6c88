package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/soledgic/soledgic/internal/jobs"
)

// RiskPurger deletes expired risk evaluations.
type RiskPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// WindowPruner deletes fallback limiter windows older than cutoff.
type WindowPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultPruneRetention keeps an hour of fallback limiter windows.
const DefaultPruneRetention = time.Hour

// MaintenanceJobs holds the periodic cleanup handlers.
type MaintenanceJobs struct {
	Risk    RiskPurger
	Windows WindowPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Recorder
	clock   func() time.Time
}

// NewMaintenanceJobs builds the cleanup handlers.
func NewMaintenanceJobs(risk RiskPurger, windows WindowPruner, logger *slog.Logger, metrics *jobmetrics.Recorder) *MaintenanceJobs {
	return &MaintenanceJobs{
		Risk:    risk,
		Windows: windows,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleRiskPurge processes TaskRiskPurge.
func (j *MaintenanceJobs) HandleRiskPurge(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Risk == nil {
		return errors.New("risk purge: handler not configured")
	}
	run := j.metrics().StartRun(TaskRiskPurge)
	defer func() { err = run.Finish(err) }()

	n, err := j.Risk.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("risk purge: %w", err)
	}
	j.metrics().Cleaned(jobmetrics.TargetRiskEvaluations, n)
	if n > 0 {
		j.logger(TaskRiskPurge).Info("expired risk evaluations purged", slog.Int64("deleted", n))
	}
	return nil
}

// HandleRateLimitPrune processes TaskRateLimitPrune.
func (j *MaintenanceJobs) HandleRateLimitPrune(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Windows == nil {
		return errors.New("rate limit prune: handler not configured")
	}
	var payload PrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("rate limit prune: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.Retain <= 0 {
		payload.Retain = DefaultPruneRetention
	}
	run := j.metrics().StartRun(TaskRateLimitPrune)
	defer func() { err = run.Finish(err) }()

	n, err := j.Windows.Prune(ctx, j.now().Add(-payload.Retain))
	if err != nil {
		return fmt.Errorf("rate limit prune: %w", err)
	}
	j.metrics().Cleaned(jobmetrics.TargetRateLimitWindows, n)
	return nil
}

func (j *MaintenanceJobs) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *MaintenanceJobs) metrics() *jobmetrics.Recorder {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MaintenanceJobs) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
