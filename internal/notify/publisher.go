package notify

import (
	"context"
	"log/slog"
)

// Enqueuer hands an event to the delivery queue.
type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, evt Event) error
}

// Publisher queues events for asynchronous delivery.
type Publisher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewPublisher builds a Publisher.
func NewPublisher(queue Enqueuer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// Publish enqueues evt. The returned error is informational; callers treat
// publication as best effort.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.queue == nil {
		return nil
	}
	if err := p.queue.EnqueueWebhook(ctx, evt); err != nil {
		p.logger.Warn("webhook enqueue failed",
			slog.String("ledger_id", evt.LedgerID.String()),
			slog.String("event", string(evt.Type)),
			slog.Any("error", err))
		return err
	}
	return nil
}
