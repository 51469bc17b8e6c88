package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/soledgic/soledgic/internal/platform/background"
)

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
}

// Sink is the fire-and-forget front door for audit and security records.
// Callers never wait on persistence and never observe its failures.
type Sink struct {
	store   Store
	queue   *background.Queue
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// SinkConfig wires the sink.
type SinkConfig struct {
	Store  Store
	Queue  *background.Queue
	Logger *slog.Logger
	// SecurityEventsPerSecond caps persisted security events so a flood of
	// rejected requests cannot turn into a flood of inserts. Every event is
	// still logged.
	SecurityEventsPerSecond float64
}

// NewSink constructs a Sink.
func NewSink(cfg SinkConfig) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := cfg.SecurityEventsPerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	return &Sink{
		store:   cfg.Store,
		queue:   cfg.Queue,
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)*2),
		logger:  logger,
		now:     time.Now,
	}
}

// Record enqueues entry for persistence.
func (s *Sink) Record(ctx context.Context, entry Entry) {
	if s == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	s.persist(entry)
}

// Security logs evt and, subject to the throttle, persists it.
func (s *Sink) Security(ctx context.Context, evt SecurityEvent) {
	if s == nil {
		return
	}
	s.logger.Warn("security event",
		slog.String("event", string(evt.Type)),
		slog.String("ip", evt.IP),
		slog.String("endpoint", evt.Endpoint),
		slog.String("request_id", evt.RequestID),
		slog.Any("details", evt.Details),
	)
	if !s.limiter.Allow() {
		return
	}
	entry := evt.entry()
	entry.At = s.now()
	s.persist(entry)
}

func (s *Sink) persist(entry Entry) {
	if s.store == nil {
		return
	}
	if s.queue == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Insert(ctx, entry); err != nil {
			s.logger.Warn("audit insert", slog.String("action", entry.Action), slog.Any("error", err))
		}
		return
	}
	err := s.queue.Submit(background.Task{
		Name: "audit:" + entry.Action,
		Run: func(ctx context.Context) error {
			return s.store.Insert(ctx, entry)
		},
	})
	if err != nil && !errors.Is(err, background.ErrQueueFull) {
		s.logger.Warn("audit enqueue", slog.String("action", entry.Action), slog.Any("error", err))
	}
}
