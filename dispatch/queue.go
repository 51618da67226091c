// Package dispatch runs fire-and-forget side effects (audit events, usage reports,
// notifications) on a bounded pool of background workers so they never delay a
// pipeline run.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/c360studio/semstreams/pkg/worker"

	"github.com/c360studio/buildforge/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch queue closed")

// ErrFull is returned by Submit when the buffer is full and the job was dropped.
var ErrFull = errors.New("dispatch queue full")

// Job is one unit of background work.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Run does the work. A returned error is retried up to Config.MaxAttempts
	// with exponential backoff from Config.Backoff.
	Run func(ctx context.Context) error
}

// Config sizes a Queue.
type Config struct {
	Name        string        `yaml:"name"`
	Size        int           `yaml:"size"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns a queue of 1024 slots and 4 workers with 3 attempts per job.
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		Size:        1024,
		Workers:     4,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		JobTimeout:  10 * time.Second,
	}
}

// Queue is a bounded job queue drained by a worker pool.
type Queue struct {
	cfg     Config
	pool    *worker.Pool[Job]
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool

	// cancel aborts backoff waits once Close has given up on draining.
	cancel context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics counts dropped jobs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New starts a queue and its workers. A zero Backoff uses the default.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	q := &Queue{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.pool = worker.NewPool(cfg.Workers, cfg.Size, q.run)
	// A fresh pool cannot fail to start.
	_ = q.pool.Start(ctx)
	return q
}

// Submit enqueues a job without blocking. A full queue drops the job.
func (q *Queue) Submit(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	err := q.pool.Submit(job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, worker.ErrQueueFull):
		q.metrics.IncDropped(q.cfg.Name)
		q.logger.Warn("Dispatch queue full, dropping job",
			"queue", q.cfg.Name,
			"job", job.Name)
		return ErrFull
	default:
		return ErrClosed
	}
}

// Go submits a function as a job, logging (not returning) a drop.
func (q *Queue) Go(name string, fn func(ctx context.Context) error) {
	_ = q.Submit(Job{Name: name, Run: fn})
}

// Close stops accepting jobs and waits for queued jobs to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	timeout := time.Hour
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.pool.Stop(timeout)
	}()

	select {
	case err := <-done:
		q.cancel()
		if errors.Is(err, worker.ErrStopTimeout) {
			return context.DeadlineExceeded
		}
		return err
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// run executes one job with retries. Failures are logged, never returned.
func (q *Queue) run(ctx context.Context, job Job) error {
	policy := retry.Config{
		MaxAttempts:  q.cfg.MaxAttempts,
		InitialDelay: q.cfg.Backoff,
		MaxDelay:     q.cfg.Backoff << min(q.cfg.MaxAttempts, 16),
		Multiplier:   2,
		AddJitter:    true,
	}

	attempt := 0
	err := retry.Do(ctx, policy, func() error {
		attempt++
		err := q.runOnce(job)
		if err != nil && attempt < policy.MaxAttempts {
			q.logger.Debug("Dispatch job failed, retrying",
				"queue", q.cfg.Name,
				"job", job.Name,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		q.logger.Error("Dispatch job failed",
			"queue", q.cfg.Name,
			"job", job.Name,
			"attempts", attempt,
			"error", err)
	}
	return nil
}

func (q *Queue) runOnce(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Dispatch job panicked", "queue", q.cfg.Name, "job", job.Name, "panic", r)
			err = nil
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	defer cancel()
	return job.Run(ctx)
}
