package transcribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pana-app/pana-engine/internal/metrics"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/rs/zerolog"
)

// Processor handles one job. *Worker implements it.
type Processor interface {
	Process(ctx context.Context, id int64) (Outcome, error)
}

// PoolStats reports what a pool has done since it started.
type PoolStats struct {
	Priority  string `json:"priority"`
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Errors    int64  `json:"errors"`
}

// WorkerPoolOptions configures the pool serving one priority class.
type WorkerPoolOptions struct {
	Priority  queue.Priority
	Queue     *queue.FIFO
	Processor Processor
	Workers   int
	Log       zerolog.Logger
}

// WorkerPool runs Workers goroutines, each handling one job at a time
// from the class's FIFO.
type WorkerPool struct {
	opts WorkerPoolOptions
	log  zerolog.Logger

	// popCtx stops taking new jobs; jobCtx aborts jobs in flight.
	popCtx    context.Context
	stopPop   context.CancelFunc
	jobCtx    context.Context
	cancelJob context.CancelFunc
	wg        sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	errored   atomic.Int64
}

// NewWorkerPool creates a pool. Call Start to launch it.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	popCtx, stopPop := context.WithCancel(context.Background())
	jobCtx, cancelJob := context.WithCancel(context.Background())
	return &WorkerPool{
		opts:      opts,
		log:       opts.Log.With().Str("priority", string(opts.Priority)).Logger(),
		popCtx:    popCtx,
		stopPop:   stopPop,
		jobCtx:    jobCtx,
		cancelJob: cancelJob,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Msg("transcription worker pool started")
}

// Stop stops taking jobs and waits for in-flight ones to finish. If ctx
// expires first, in-flight jobs are cancelled; their failure writes still
// complete.
func (wp *WorkerPool) Stop(ctx context.Context) {
	wp.stopPop()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		wp.log.Warn().Msg("shutdown deadline reached, cancelling in-flight jobs")
		wp.cancelJob()
		<-done
	}
	wp.cancelJob()

	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("errors", wp.errored.Load()).
		Msg("transcription worker pool stopped")
}

// Stats returns current counters.
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Priority:  string(wp.opts.Priority),
		Workers:   wp.opts.Workers,
		Pending:   wp.opts.Queue.Len(),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Errors:    wp.errored.Load(),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for {
		entry, err := wp.opts.Queue.Pop(wp.popCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				log.Error().Err(err).Msg("queue pop failed")
			}
			return
		}
		wp.handle(log, entry)
	}
}

func (wp *WorkerPool) handle(log zerolog.Logger, entry queue.Entry) {
	outcome, err := wp.opts.Processor.Process(wp.jobCtx, entry.JobID)
	metrics.JobsProcessedTotal.WithLabelValues(string(wp.opts.Priority), string(outcome)).Inc()

	switch outcome {
	case OutcomeCompleted:
		wp.completed.Add(1)
	case OutcomeFailed:
		wp.failed.Add(1)
	case OutcomeError:
		wp.errored.Add(1)
	}
	if err != nil {
		log.Warn().Err(err).
			Int64("job_id", entry.JobID).
			Str("outcome", string(outcome)).
			Msg("job ended with error")
	}
}
