// Package engine implements the job executor: a bounded worker pool that
// runs scrape jobs, owns every job state transition, and retries transient
// failures with exponential backoff.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheet-assist/sssystem/internal/core"
	domainjob "github.com/sheet-assist/sssystem/internal/domain/job"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	apperrors "github.com/sheet-assist/sssystem/internal/errors"
	"github.com/sheet-assist/sssystem/internal/observability/metrics"
	"github.com/sheet-assist/sssystem/internal/observability/statsd"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

// Options groups the engine dependencies. Store and Work are required.
type Options struct {
	Store     core.JobStore
	Work      core.WorkFunc
	Persister core.Persister           // optional; success results are dropped if nil
	Backoff   *domainjob.BackoffPolicy // optional; defaults to the 5s/25s/125s schedule
	Workers   int                      // optional; defaults to DefaultWorkers
	Logger    *slog.Logger             // optional
	Metrics   statsd.Sink              // optional
	Time      core.TimeProvider        // optional; defaults to the wall clock
}

// trackedJob holds the engine-internal control state for one job id.
type trackedJob struct {
	// runMu is the per-job execution lock: at most one worker runs attempts
	// for a given id at any time.
	runMu sync.Mutex

	// The fields below are guarded by Engine.mu.
	cancelRequested bool
	cancelAttempt   context.CancelFunc // set while an attempt is in flight
	retryTimer      *time.Timer        // set while waiting out a backoff delay
}

// Engine runs jobs on a fixed pool of workers pulling from a FIFO queue.
// Construct one per process and inject it; there is no package-level
// singleton.
type Engine struct {
	store     core.JobStore
	work      core.WorkFunc
	persister core.Persister
	backoff   *domainjob.BackoffPolicy
	workers   int
	logger    *slog.Logger
	metrics   statsd.Sink
	clock     core.TimeProvider

	mu      sync.Mutex
	cond    *sync.Cond // signals queue activity and shutdown to workers
	queue   []string   // FIFO of job ids ready to run
	tracked map[string]*trackedJob

	outstanding int           // jobs queued, backing off, or running
	idle        chan struct{} // closed whenever outstanding drops to zero

	started bool
	closed  bool
	wg      sync.WaitGroup
}

var _ core.Engine = (*Engine)(nil)

// New constructs an engine. Workers are not started until Start is called;
// jobs submitted before Start queue up.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Work == nil {
		return nil, errors.New("work function is required")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = domainjob.DefaultBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Time
	if clock == nil {
		clock = core.RealTimeProvider{}
	}

	idle := make(chan struct{})
	close(idle)

	e := &Engine{
		store:     opts.Store,
		work:      opts.Work,
		persister: opts.Persister,
		backoff:   backoff,
		workers:   workers,
		logger:    logger.With("component", "engine"),
		metrics:   opts.Metrics,
		clock:     clock,
		tracked:   make(map[string]*trackedJob),
		idle:      idle,
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Start launches the worker pool and re-enqueues any pending jobs already
// present in the store (relevant for durable stores after a restart).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return errors.New("engine already started or closed")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.recoverPending(ctx); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "starting workers", "workers", e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop()
		}()
	}
	return nil
}

// Run starts the pool, blocks until ctx is cancelled, then drains with the
// given timeout and stops the workers. Intended for the service runner.
func (e *Engine) Run(ctx context.Context, drainTimeout time.Duration) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	completed := e.Drain(drainTimeout)
	if !completed {
		e.logger.Warn("drain timed out with jobs still outstanding", "timeout", drainTimeout)
	}
	e.Close()
	return nil
}

// Close stops the worker pool. Queued jobs stay pending in the store.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
}

// Submit accepts a pending job for execution and returns its id immediately;
// it never blocks on job execution.
func (e *Engine) Submit(ctx context.Context, req *model.SubmitRequest) (string, error) {
	if req == nil {
		return "", apperrors.InvalidJob("submit request is required")
	}
	if err := req.Validate(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidJob, "invalid job submission")
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		Params:      append([]byte(nil), req.Params...),
		State:       model.JobStatePending,
		MaxAttempts: req.EffectiveMaxAttempts(),
		CreatedAt:   e.clock.Now().UTC(),
	}
	if err := e.store.Create(ctx, job); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.tracked[job.ID] = &trackedJob{}
	e.scheduleLocked(job.ID)
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "job submitted", "job_id", job.ID, "max_attempts", job.MaxAttempts)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{Transition: metrics.TransitionSubmitted})
	return job.ID, nil
}

// Status returns the current job record plus the most recent execution log
// entry. It is safe to call concurrently with in-flight execution.
func (e *Engine) Status(ctx context.Context, id string) (*model.JobStatus, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	last, err := e.store.LatestAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.StatusFromJob(job, last), nil
}

// Cancel requests cancellation. Pending jobs transition to Cancelled
// directly; running jobs get their context cancelled and finish
// cooperatively. Returns false if the job is already terminal.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.State.Terminal() {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracked[id]
	if t == nil {
		// Job exists in a durable store but is not managed by this engine
		// instance (e.g. left behind by a previous process). Finalize it.
		t = &trackedJob{}
		e.tracked[id] = t
	}
	t.cancelRequested = true

	if t.retryTimer != nil {
		// Waiting out a backoff delay: stop the timer and finalize now.
		if t.retryTimer.Stop() {
			t.retryTimer = nil
			if err := e.finalizeCancelLocked(ctx, id); err != nil {
				return false, err
			}
			e.jobDoneLocked()
		}
		return true, nil
	}

	if t.cancelAttempt != nil {
		// Attempt in flight: signal the work function and let the worker
		// finalize when it returns.
		t.cancelAttempt()
		e.logger.InfoContext(ctx, "cancellation requested for running job", "job_id", id)
		return true, nil
	}

	// Queued (or picked up but not yet transitioned): mark the record
	// cancelled; the worker skips terminal jobs on dequeue.
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case current.State == model.JobStatePending:
		if err := e.finalizeCancelLocked(ctx, id); err != nil {
			return false, err
		}
		e.jobDoneLocked()
		return true, nil
	case current.State.Terminal():
		return false, nil
	default:
		// Running but the attempt context is not registered yet; the flag
		// is observed by the worker before it invokes the work function.
		return true, nil
	}
}

// Retry produces a fresh submission from a failed job: same params, new id,
// attempt count reset, original retry budget restored.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != model.JobStateFailed {
		return "", apperrors.InvalidStatef("retry requires a failed job, got %s", job.State)
	}

	return e.Submit(ctx, &model.SubmitRequest{
		Params:      job.Params,
		MaxAttempts: job.MaxAttempts,
	})
}

// Drain blocks until every scheduled job reaches a terminal state or the
// timeout elapses. Returns whether the drain completed in time.
func (e *Engine) Drain(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.outstanding == 0 {
			e.mu.Unlock()
			return true
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-deadline.C:
			e.mu.Lock()
			done := e.outstanding == 0
			e.mu.Unlock()
			return done
		}
	}
}

// Stats exposes store-level job counts.
func (e *Engine) Stats(ctx context.Context) (*model.JobStats, error) {
	return e.store.Stats(ctx)
}

// scheduleLocked enqueues a job id and accounts for it until it reaches a
// terminal state. Caller holds e.mu.
func (e *Engine) scheduleLocked(id string) {
	e.queue = append(e.queue, id)
	if e.outstanding == 0 {
		e.idle = make(chan struct{})
	}
	e.outstanding++
	e.cond.Signal()
}

// requeueLocked re-adds an id whose outstanding unit is already counted
// (retry timers). Caller holds e.mu.
func (e *Engine) requeueLocked(id string) {
	e.queue = append(e.queue, id)
	e.cond.Signal()
}

// jobDoneLocked releases one outstanding unit. Caller holds e.mu.
func (e *Engine) jobDoneLocked() {
	e.outstanding--
	if e.outstanding == 0 {
		close(e.idle)
	}
}

// finalizeCancelLocked moves a non-terminal job to Cancelled. Caller holds e.mu.
func (e *Engine) finalizeCancelLocked(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	job.State = model.JobStateCancelled
	job.FinishedAt = &now
	job.NextRunAt = nil
	if err := e.store.Update(ctx, job); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{Transition: metrics.TransitionCancelled})
	return nil
}

// recoverPending re-enqueues jobs a durable store still reports as pending.
func (e *Engine) recoverPending(ctx context.Context) error {
	pending, err := e.store.ListByState(ctx, model.JobStatePending, 0)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, job := range pending {
		if _, ok := e.tracked[job.ID]; ok {
			continue
		}
		e.tracked[job.ID] = &trackedJob{}
		e.scheduleLocked(job.ID)
	}
	if len(pending) > 0 {
		e.logger.InfoContext(ctx, "recovered pending jobs", "count", len(pending))
	}
	return nil
}
