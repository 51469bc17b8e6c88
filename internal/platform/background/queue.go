// Package background runs best-effort side effects off the request path.
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of best-effort work. Its error is logged, never returned to
// the submitter.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded in-process task queue drained by a fixed set of workers.
type Queue struct {
	tasks   chan Task
	logger  *slog.Logger
	timeout time.Duration
	workers int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed chan struct{}
}

// Options tunes the queue.
type Options struct {
	Size    int
	Workers int
	// TaskTimeout bounds each task run.
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// ErrQueueFull is returned by Submit when the buffer is saturated.
var ErrQueueFull = errors.New("background: queue full")

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("background: queue closed")

// NewQueue builds a queue. Call Start before submitting.
func NewQueue(opts Options) *Queue {
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		tasks:   make(chan Task, opts.Size),
		logger:  logger,
		timeout: opts.TaskTimeout,
		workers: opts.Workers,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
}

// Start launches the workers.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.loop()
		}()
	}
}

func (q *Queue) loop() {
	for {
		select {
		case <-q.ctx.Done():
			// drain whatever was accepted before shutdown
			for {
				select {
				case task := <-q.tasks:
					q.run(task)
				default:
					return
				}
			}
		case task := <-q.tasks:
			q.run(task)
		}
	}
}

func (q *Queue) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("background task panic", slog.String("task", task.Name), slog.Any("panic", rec))
		}
	}()
	if err := task.Run(ctx); err != nil {
		q.logger.Warn("background task failed", slog.String("task", task.Name), slog.Any("error", err))
	}
}

// Submit enqueues task without blocking.
func (q *Queue) Submit(task Task) error {
	if q == nil {
		return ErrQueueClosed
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		q.logger.Warn("background queue full, dropping task", slog.String("task", task.Name))
		return ErrQueueFull
	}
}

// Go submits fn under name and discards the result.
func (q *Queue) Go(name string, fn func(ctx context.Context) error) {
	_ = q.Submit(Task{Name: name, Run: fn})
}

// Close stops accepting work and waits for queued tasks to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.once.Do(func() {
		close(q.closed)
		q.cancel()
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
