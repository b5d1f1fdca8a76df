package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("worker queue is full")
	ErrQueueClosed = errors.New("worker queue is closed")
)

// Job is a unit of background work, typically persisting a usage event
// after the response has already gone back to the caller.
type Job struct {
	ID        string
	Name      string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Process(ctx context.Context) error // starts the worker loop
}

// MemoryQueue is a bounded in-process Queue drained by a single consumer,
// so jobs run in the order they were accepted.
type MemoryQueue struct {
	jobs    chan *Job
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	start  sync.Once
}

const DefaultJobTimeout = 10 * time.Second

func NewMemoryQueue(size int, logger *zap.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		jobs:    make(chan *Job, size),
		logger:  logger.With(zap.String("component", "worker")),
		timeout: DefaultJobTimeout,
		done:    make(chan struct{}),
	}
}

// Enqueue never blocks. It returns ErrQueueFull when the buffer is
// exhausted and ErrQueueClosed after Close. The caller's cancellation is
// ignored: a job for a request whose client already went away is still
// accepted.
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	if job == nil || job.Run == nil {
		return errors.New("job has nothing to run")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs jobs until the queue is closed and drained. Jobs get a
// context that keeps ctx's values but not its cancellation, bounded by the
// per-job timeout, so accepted usage is still written during shutdown.
func (q *MemoryQueue) Process(ctx context.Context) error {
	defer close(q.done)
	for job := range q.jobs {
		q.run(ctx, job)
	}
	return nil
}

// Start launches Process on its own goroutine. Calling it twice is a no-op.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.start.Do(func() {
		go func() { _ = q.Process(ctx) }()
	})
}

// Close stops accepting jobs and waits for queued ones to finish, or for
// ctx to expire. The queue must have been started.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many jobs are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) run(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.String("job", job.Name),
				zap.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	if err := job.Run(jobCtx); err != nil {
		q.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Error(err),
		)
		return
	}
	q.logger.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Duration("latency", time.Since(start)),
	)
}
