package analyzer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recoveryflow/logging"
)

// ErrQueueFull is returned when no slot is free for another job.
var ErrQueueFull = errors.New("analyzer: queue full")

// ErrStopped is returned for jobs enqueued after the dispatcher stopped.
var ErrStopped = errors.New("analyzer: dispatcher stopped")

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Dispatcher runs jobs on a fixed pool of workers, each bounded by timeout.
type Dispatcher struct {
	jobs    chan Job
	done    chan struct{}
	workers int
	timeout time.Duration
	handle  Handler
	logger  *zap.Logger
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, handle Handler, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &Dispatcher{
		jobs:    make(chan Job, queueSize),
		done:    make(chan struct{}),
		workers: workers,
		timeout: timeout,
		handle:  handle,
		logger:  logging.OrNop(logger),
	}
}

// Enqueue never blocks.
func (d *Dispatcher) Enqueue(job Job) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued
// at that point are left to the stall sweeper.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-d.jobs:
					d.runJob(ctx, worker, job)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runJob(ctx context.Context, worker int, job Job) {
	jobCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("analysis job panicked",
				zap.Int("worker", worker),
				zap.String("import_id", job.ImportID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := d.handle(jobCtx, job); err != nil {
		d.logger.Debug("analysis job finished with error",
			zap.Int("worker", worker),
			zap.String("import_id", job.ImportID),
			zap.Error(err),
		)
	}
}
