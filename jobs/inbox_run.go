package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/soledgic/soledgic/internal/inbox"
	jobmetrics "github.com/soledgic/soledgic/internal/jobs"
)

// InboxRunner runs one processor inbox batch.
type InboxRunner interface {
	Run(ctx context.Context, opts inbox.RunOptions) (inbox.RunResult, error)
}

// InboxRunJob claims and applies a batch of processor webhooks.
type InboxRunJob struct {
	Runner    InboxRunner
	BatchSize int
	Logger    *slog.Logger
	Metrics   *jobmetrics.Recorder
}

// NewInboxRunJob builds the handler.
func NewInboxRunJob(runner InboxRunner, batchSize int, logger *slog.Logger, metrics *jobmetrics.Recorder) *InboxRunJob {
	return &InboxRunJob{Runner: runner, BatchSize: batchSize, Logger: logger, Metrics: metrics}
}

// Handle processes TaskProcessorInbox.
func (j *InboxRunJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("processor inbox: handler not configured")
	}
	var payload InboxRunPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("processor inbox: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = j.BatchSize
	}
	run := j.metrics().StartRun(TaskProcessorInbox)
	defer func() { err = run.Finish(err) }()

	res, err := j.Runner.Run(ctx, inbox.RunOptions{Limit: payload.Limit, DryRun: payload.DryRun})
	if err != nil {
		j.logger().Error("processor inbox run failed", slog.Any("error", err))
		return err
	}
	if res.DryRun {
		j.metrics().InboxBacklog(res.Pending)
		j.logger().Info("processor inbox dry run", slog.Int("pending", res.Pending))
		return nil
	}
	j.metrics().InboxBatch(res.Processed, res.Failed, res.Skipped)
	return nil
}

func (j *InboxRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProcessorInbox))
	}
	return slog.Default().With(slog.String("job", TaskProcessorInbox))
}

func (j *InboxRunJob) metrics() *jobmetrics.Recorder {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
