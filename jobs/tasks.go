package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/soledgic/soledgic/internal/jobs"
	"github.com/soledgic/soledgic/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueWebhooks carries outbound tenant notifications.
	QueueWebhooks = "webhooks"

	TaskWebhookDeliver  = "webhook:deliver"
	TaskProcessorInbox  = "processor:inbox"
	TaskRiskPurge       = "risk:purge"
	TaskRateLimitPrune  = "ratelimit:prune"
	webhookMaxRetry     = 8
	webhookTaskDeadline = 30 * time.Second
)

var defaultJobMetrics = jobmetrics.NewRecorder(nil)

// WebhookPayload is one tenant notification awaiting delivery.
type WebhookPayload struct {
	Event notify.Event `json:"event"`
}

// NewWebhookTask wraps evt for delivery. The event id doubles as the task id
// so a duplicate enqueue is rejected by the queue.
func NewWebhookTask(evt notify.Event) (*asynq.Task, error) {
	body, err := json.Marshal(WebhookPayload{Event: evt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookDeliver, body,
		asynq.Queue(QueueWebhooks),
		asynq.MaxRetry(webhookMaxRetry),
		asynq.Timeout(webhookTaskDeadline),
		asynq.TaskID("webhook:"+evt.ID.String()),
	), nil
}

// InboxRunPayload bounds one processor inbox run.
type InboxRunPayload struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

// NewInboxRunTask constructs a processor inbox run.
func NewInboxRunTask(payload InboxRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessorInbox, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewRiskPurgeTask constructs the expired risk evaluation purge.
func NewRiskPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskRiskPurge, []byte(`{}`), asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// PrunePayload sets how much fallback limiter history to keep.
type PrunePayload struct {
	Retain time.Duration `json:"retain"`
}

// NewRateLimitPruneTask constructs the fallback limiter cleanup.
func NewRateLimitPruneTask(retain time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(PrunePayload{Retain: retain})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRateLimitPrune, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
