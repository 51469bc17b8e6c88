// Package cli holds operator subcommands for the soledgic binary.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/soledgic/soledgic/jobs"
)

// Enqueuer is the subset of *asynq.Client the CLI uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Inspector is the subset of *asynq.Inspector the CLI uses.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

const usage = `usage: soledgic <command>

commands:
  inbox run [-limit N] [-dry-run]   queue a processor inbox run
  risk purge                        queue an expired risk evaluation purge
  queue stats [-json]               show queue depth
  queue scheduled [-size N]         list scheduled tasks
`

// OpsCLI wraps manual management helpers for the job queue.
type OpsCLI struct {
	client    Enqueuer
	inspector Inspector
}

// NewOpsCLI connects to the queue at redisOpts.
func NewOpsCLI(redisOpts asynq.RedisClientOpt) (*OpsCLI, error) {
	return &OpsCLI{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
	}, nil
}

// NewOpsCLIWith builds the CLI over explicit collaborators.
func NewOpsCLIWith(client Enqueuer, inspector Inspector) *OpsCLI {
	return &OpsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *OpsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Run dispatches args and returns the process exit code: 0 on success, 1 on
// failure, 2 on a usage error.
func (c *OpsCLI) Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0]+" "+args[1], args[2:]
	switch cmd {
	case "inbox run":
		return c.inboxRun(ctx, rest, stdout, stderr)
	case "risk purge":
		return c.enqueue(ctx, jobs.NewRiskPurgeTask(), stdout, stderr)
	case "queue stats":
		return c.queueStats(rest, stdout, stderr)
	case "queue scheduled":
		return c.queueScheduled(rest, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}
}

func (c *OpsCLI) inboxRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inbox run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "rows to claim (1-500, 0 uses the worker default)")
	dryRun := fs.Bool("dry-run", false, "report pending rows without claiming")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *limit < 0 || *limit > 500 {
		_, _ = fmt.Fprintln(stderr, "inbox run: -limit must be between 1 and 500")
		return 2
	}
	task, err := jobs.NewInboxRunTask(jobs.InboxRunPayload{Limit: *limit, DryRun: *dryRun})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inbox run: %v\n", err)
		return 1
	}
	return c.enqueue(ctx, task, stdout, stderr)
}

func (c *OpsCLI) enqueue(ctx context.Context, task *asynq.Task, stdout, stderr io.Writer) int {
	if c.client == nil {
		_, _ = fmt.Fprintln(stderr, "cli: client not configured")
		return 1
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: enqueue: %v\n", task.Type(), err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "queued %s as %s on %s\n", task.Type(), info.ID, info.Queue)
	return 0
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

func (c *OpsCLI) queueStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if c.inspector == nil {
		_, _ = fmt.Fprintln(stderr, "cli: inspector not configured")
		return 1
	}
	stats := make([]QueueStats, 0, 2)
	for _, q := range []string{jobs.QueueDefault, jobs.QueueWebhooks} {
		s := QueueStats{Queue: q}
		info, err := c.inspector.GetQueueInfo(q)
		switch {
		case err == nil && info != nil:
			s.Pending = info.Pending
			s.Active = info.Active
			s.Scheduled = info.Scheduled
			s.Retry = info.Retry
			s.Archived = info.Archived
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "queue stats: %s: %v\n", q, err)
			return 1
		}
		stats = append(stats, s)
	}
	if *asJSON {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "queue stats: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	for _, s := range stats {
		_, _ = fmt.Fprintf(stdout, "%-10s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return 0
}

func (c *OpsCLI) queueScheduled(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue scheduled", flag.ContinueOnError)
	fs.SetOutput(stderr)
	size := fs.Int("size", 10, "page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if c.inspector == nil {
		_, _ = fmt.Fprintln(stderr, "cli: inspector not configured")
		return 1
	}
	if *size <= 0 {
		*size = 10
	}
	tasks, err := c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(*size), asynq.Page(1))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue scheduled: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(stdout, "no scheduled tasks")
		return 0
	}
	for _, t := range tasks {
		_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return 0
}
