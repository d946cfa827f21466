package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"driver_verification/internal/model"
)

// Dispatcher hands a reverification job to whatever runs it. Dispatch must
// not wait for the verification itself; a refused job is released by the
// scheduler.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.ReverificationJob) error
}

type DispatcherFunc func(ctx context.Context, job model.ReverificationJob) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job model.ReverificationJob) error {
	return f(ctx, job)
}

type Reverifier interface {
	Reverify(ctx context.Context, job model.ReverificationJob) (*model.AggregateResult, error)
}

// ErrQueueFull is returned by LocalDispatcher.Dispatch when queueSize jobs
// are already waiting or running.
var ErrQueueFull = errors.New("local reverification queue is full")

// LocalDispatcher runs jobs in-process with at most concurrency running and
// at most queueSize accepted at once. Jobs run under the context given to
// NewLocalDispatcher, not the scan's context.
type LocalDispatcher struct {
	ctx        context.Context
	reverifier Reverifier
	queue      *semaphore.Weighted
	workers    *semaphore.Weighted
	wg         sync.WaitGroup
	logger     *zap.Logger
}

func NewLocalDispatcher(ctx context.Context, reverifier Reverifier, concurrency, queueSize int, logger *zap.Logger) *LocalDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < concurrency {
		queueSize = concurrency
	}
	return &LocalDispatcher{
		ctx:        ctx,
		reverifier: reverifier,
		queue:      semaphore.NewWeighted(int64(queueSize)),
		workers:    semaphore.NewWeighted(int64(concurrency)),
		logger:     logger,
	}
}

// Dispatch never blocks. A job beyond the queue bound is refused with
// ErrQueueFull before any goroutine is started for it.
func (d *LocalDispatcher) Dispatch(_ context.Context, job model.ReverificationJob) error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	if !d.queue.TryAcquire(1) {
		return ErrQueueFull
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.queue.Release(1)
		if err := d.workers.Acquire(d.ctx, 1); err != nil {
			d.logger.Warn("reverification dropped", zap.String("subject_id", job.SubjectID), zap.Error(err))
			return
		}
		defer d.workers.Release(1)

		result, err := d.reverifier.Reverify(d.ctx, job)
		if err != nil {
			d.logger.Error("reverification failed",
				zap.String("subject_id", job.SubjectID),
				zap.String("type", string(job.Type)),
				zap.String("record_id", job.RecordID),
				zap.Error(err))
			return
		}
		d.logger.Debug("reverification finished",
			zap.String("subject_id", job.SubjectID),
			zap.String("type", string(job.Type)),
			zap.String("aggregate_status", string(result.Status)))
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
