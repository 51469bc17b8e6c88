package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/soledgic/soledgic/internal/jobs"
	"github.com/soledgic/soledgic/internal/notify"
)

// Deliverer sends one tenant notification.
type Deliverer interface {
	Deliver(ctx context.Context, evt notify.Event) error
}

// WebhookDeliveryJob delivers queued notifications through the egress
// dispatcher. Retries are asynq's; the dispatcher itself never retries.
type WebhookDeliveryJob struct {
	Deliverer Deliverer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Recorder
}

// NewWebhookDeliveryJob builds the handler.
func NewWebhookDeliveryJob(d Deliverer, logger *slog.Logger, metrics *jobmetrics.Recorder) *WebhookDeliveryJob {
	return &WebhookDeliveryJob{Deliverer: d, Logger: logger, Metrics: metrics}
}

// Handle processes TaskWebhookDeliver.
func (j *WebhookDeliveryJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Deliverer == nil {
		return errors.New("webhook delivery: handler not configured")
	}
	var payload WebhookPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("webhook delivery: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	run := j.metrics().StartRun(TaskWebhookDeliver)
	defer func() { err = run.Finish(err) }()

	evt := payload.Event
	logger := j.logger().With(
		slog.String("ledger_id", evt.LedgerID.String()),
		slog.String("event", string(evt.Type)),
		slog.String("event_id", evt.ID.String()))

	err = j.Deliverer.Deliver(ctx, evt)
	switch {
	case err == nil:
		j.metrics().Delivery("delivered")
		return nil
	case errors.Is(err, notify.ErrNoDestination):
		logger.Debug("no webhook destination configured")
		j.metrics().Delivery("no_destination")
		return nil
	case notify.Permanent(err):
		logger.Warn("webhook dropped", slog.Any("error", err))
		j.metrics().Delivery("dropped")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		logger.Warn("webhook delivery failed", slog.Any("error", err))
		j.metrics().Delivery("retry")
		return err
	}
}

func (j *WebhookDeliveryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskWebhookDeliver))
	}
	return slog.Default().With(slog.String("job", TaskWebhookDeliver))
}

func (j *WebhookDeliveryJob) metrics() *jobmetrics.Recorder {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
