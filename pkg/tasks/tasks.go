// Package tasks implements the Task Engine contract: named jobs with
// small serializable arguments, bounded retries with a fixed delay, and
// success-only chaining. It is an in-process worker pool rather than a
// durable broker.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/srivishnuk/pt-instances-management/pkg/log"
)

// RetryPolicy bounds how many times a failed job is retried and how long
// the engine waits between attempts.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// NoRetry runs a job exactly once.
var NoRetry = RetryPolicy{}

// Job is one unit of background work. Fn receives a context scoped to the
// single attempt's deadline (if any was set via Job.Timeout).
type Job struct {
	Name    string
	Fn      func(ctx context.Context) error
	Policy  RetryPolicy
	Timeout time.Duration
	// OnSuccess runs only after Fn succeeds (possibly after retries),
	// implementing the chain() follow-up pattern from the original's
	// monitor_containers = chain(try_restart..., delete_erroneous...).
	OnSuccess *Job
	// OnExhausted runs once, synchronously, if Fn still fails after
	// Policy.MaxRetries retries (MaxRetries+1 attempts in all). Used by
	// wait_for_ready to mark an instance ERROR once its readiness budget
	// runs out.
	OnExhausted func(lastErr error)
}

// Engine is a bounded worker pool executing Jobs with retry and chaining.
type Engine struct {
	workers int
	queue   chan scheduledJob
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type scheduledJob struct {
	job    Job
	attempt int
	runID  string
}

// New starts an Engine with the given worker concurrency. Call Stop to
// drain and shut it down.
func New(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	e := &Engine{
		workers: workers,
		queue:   make(chan scheduledJob, 256),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	return e
}

// Stop signals workers to exit after draining the current queue and waits
// for them to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	close(e.queue)
	e.wg.Wait()
}

// Enqueue schedules job for immediate execution.
func (e *Engine) Enqueue(job Job) string {
	runID := uuid.NewString()
	e.enqueueAttempt(job, 0, runID)
	return runID
}

// EnqueueWithDelay schedules job to run after delay elapses.
func (e *Engine) EnqueueWithDelay(job Job, delay time.Duration) string {
	runID := uuid.NewString()
	if delay <= 0 {
		e.enqueueAttempt(job, 0, runID)
		return runID
	}
	time.AfterFunc(delay, func() {
		e.enqueueAttempt(job, 0, runID)
	})
	return runID
}

func (e *Engine) scheduleRetry(job Job, attempt int, runID string, delay time.Duration) {
	if delay <= 0 {
		e.enqueueAttempt(job, attempt, runID)
		return
	}
	time.AfterFunc(delay, func() {
		e.enqueueAttempt(job, attempt, runID)
	})
}

func (e *Engine) enqueueAttempt(job Job, attempt int, runID string) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	select {
	case e.queue <- scheduledJob{job: job, attempt: attempt, runID: runID}:
	case <-e.stopCh:
	}
}

func (e *Engine) runWorker() {
	defer e.wg.Done()
	logger := log.WithComponent("tasks")
	for sj := range e.queue {
		e.execute(sj, logger)
	}
}

func (e *Engine) execute(sj scheduledJob, logger zerolog.Logger) {
	job := sj.job
	ctx := context.Background()
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	err := job.Fn(ctx)
	if cancel != nil {
		cancel()
	}

	if err == nil {
		logger.Debug().Str("job", job.Name).Str("run_id", sj.runID).Msg("job succeeded")
		if job.OnSuccess != nil {
			e.Enqueue(*job.OnSuccess)
		}
		return
	}

	if sj.attempt < job.Policy.MaxRetries {
		logger.Warn().Str("job", job.Name).Str("run_id", sj.runID).Int("attempt", sj.attempt+1).Err(err).Msg("job failed, retrying")
		e.scheduleRetry(job, sj.attempt+1, sj.runID, job.Policy.Delay)
		return
	}

	logger.Error().Str("job", job.Name).Str("run_id", sj.runID).Err(err).Msg("job exhausted retries")
	if job.OnExhausted != nil {
		job.OnExhausted(err)
	}
}
