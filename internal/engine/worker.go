package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/fault"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	"github.com/sheet-assist/sssystem/internal/observability/metrics"
)

// workerLoop pulls ready job ids off the FIFO queue until the engine closes.
func (e *Engine) workerLoop() {
	for {
		id, ok := e.next()
		if !ok {
			return
		}
		e.runJob(id)
	}
}

// next blocks until a job id is ready or the engine is closed.
func (e *Engine) next() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.queue) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return "", false
	}
	id := e.queue[0]
	e.queue = e.queue[1:]
	return id, true
}

// runJob executes one attempt of the given job under its per-job lock.
func (e *Engine) runJob(id string) {
	e.mu.Lock()
	t := e.tracked[id]
	e.mu.Unlock()
	if t == nil {
		return
	}

	// Mutual exclusion per job id: attempts never overlap.
	t.runMu.Lock()
	defer t.runMu.Unlock()

	ctx := context.Background()

	job, attemptCtx, ok := e.beginAttempt(ctx, id, t)
	if !ok {
		return
	}

	entry := &model.ExecutionLogEntry{
		JobID:     id,
		Attempt:   job.AttemptCount,
		StartedAt: *job.StartedAt,
		Outcome:   model.AttemptRunning,
	}
	if job.AttemptCount > 1 {
		entry.StartedAt = e.clock.Now().UTC()
	}
	if err := e.store.AppendAttempt(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "append execution log entry failed", "job_id", id, "error", err)
	}

	started := e.clock.Now()
	result, workErr := e.invokeWork(attemptCtx, job)
	elapsed := e.clock.Now().Sub(started)

	e.mu.Lock()
	t.cancelAttempt = nil
	cancelled := t.cancelRequested
	e.mu.Unlock()

	switch {
	case workErr == nil:
		e.finishSuccess(ctx, job, entry, result, elapsed)
	case cancelled:
		e.finishCancelled(ctx, job, entry, workErr, elapsed)
	default:
		e.finishFailure(ctx, t, job, entry, workErr, elapsed)
	}
}

// beginAttempt transitions Pending -> Running and registers the attempt's
// cancellation handle. Returns ok=false when the job is no longer runnable
// (cancelled while queued).
func (e *Engine) beginAttempt(ctx context.Context, id string, t *trackedJob) (*model.Job, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.ErrorContext(ctx, "load job for attempt failed", "job_id", id, "error", err)
		e.jobDoneLocked()
		return nil, nil, false
	}
	if job.State != model.JobStatePending {
		// Cancelled while queued; its outstanding unit was already released.
		return nil, nil, false
	}

	now := e.clock.Now().UTC()
	job.State = model.JobStateRunning
	job.AttemptCount++
	job.NextRunAt = nil
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "mark job running failed", "job_id", id, "error", err)
		e.jobDoneLocked()
		return nil, nil, false
	}

	attemptCtx, cancel := context.WithCancel(context.Background())
	t.cancelAttempt = cancel
	if t.cancelRequested {
		// Cancel arrived between the queued check and now; the work function
		// sees an already-cancelled context.
		cancel()
	}

	e.logger.DebugContext(ctx, "attempt started",
		"job_id", id,
		"attempt", job.AttemptCount,
		"max_attempts", job.MaxAttempts,
	)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
		Transition: metrics.TransitionRunning,
		Attempt:    job.AttemptCount,
	})
	return job, attemptCtx, true
}

// invokeWork shields the engine from panicking work functions; a panic
// classifies as a system fault.
func (e *Engine) invokeWork(ctx context.Context, job *model.Job) (result *model.ResultSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.System(fmt.Sprintf("work function panic: %v", r), nil)
		}
	}()
	return e.work(ctx, job.Params)
}

func (e *Engine) finishSuccess(
	ctx context.Context,
	job *model.Job,
	entry *model.ExecutionLogEntry,
	result *model.ResultSummary,
	elapsed time.Duration,
) {
	now := e.clock.Now().UTC()
	if result == nil {
		result = &model.ResultSummary{}
	}

	e.finishAttemptEntry(ctx, entry, core.FinishAttemptParams{
		JobID:      job.ID,
		Attempt:    entry.Attempt,
		FinishedAt: now,
		Outcome:    model.AttemptSucceeded,
	})

	e.mu.Lock()
	job.State = model.JobStateSucceeded
	job.Result = result
	job.FinishedAt = &now
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "mark job succeeded failed", "job_id", job.ID, "error", err)
	}
	e.jobDoneLocked()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "job succeeded",
		"job_id", job.ID,
		"attempt", job.AttemptCount,
		"processed", result.Processed,
	)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
		Transition: metrics.TransitionSucceeded,
		Attempt:    job.AttemptCount,
		Duration:   elapsed,
	})

	e.persistResult(ctx, job.ID, *result)
}

// persistResult hands the result to the persistence collaborator. A failure
// here is a downstream concern: it is logged and counted, never reflected in
// job state.
func (e *Engine) persistResult(ctx context.Context, jobID string, summary model.ResultSummary) {
	if e.persister == nil {
		return
	}
	if err := e.persister.Persist(ctx, jobID, summary); err != nil {
		e.logger.WarnContext(ctx, "persist results failed; job remains succeeded",
			"job_id", jobID,
			"error", err,
		)
		metrics.EmitPersistFailure(e.metrics)
	}
}

func (e *Engine) finishCancelled(
	ctx context.Context,
	job *model.Job,
	entry *model.ExecutionLogEntry,
	workErr error,
	elapsed time.Duration,
) {
	now := e.clock.Now().UTC()
	category, _ := fault.Classify(workErr)

	e.finishAttemptEntry(ctx, entry, core.FinishAttemptParams{
		JobID:         job.ID,
		Attempt:       entry.Attempt,
		FinishedAt:    now,
		Outcome:       model.AttemptFailed,
		ErrorCategory: string(category),
		ErrorDetail:   workErr.Error(),
	})

	e.mu.Lock()
	job.State = model.JobStateCancelled
	job.FinishedAt = &now
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "mark job cancelled failed", "job_id", job.ID, "error", err)
	}
	e.jobDoneLocked()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "job cancelled during attempt",
		"job_id", job.ID,
		"attempt", job.AttemptCount,
	)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
		Transition: metrics.TransitionCancelled,
		Attempt:    job.AttemptCount,
		Duration:   elapsed,
	})
}

func (e *Engine) finishFailure(
	ctx context.Context,
	t *trackedJob,
	job *model.Job,
	entry *model.ExecutionLogEntry,
	workErr error,
	elapsed time.Duration,
) {
	now := e.clock.Now().UTC()
	category, retryable := fault.Classify(workErr)
	failure := &model.FailureInfo{Category: string(category), Message: workErr.Error()}

	e.finishAttemptEntry(ctx, entry, core.FinishAttemptParams{
		JobID:         job.ID,
		Attempt:       entry.Attempt,
		FinishedAt:    now,
		Outcome:       model.AttemptFailed,
		ErrorCategory: string(category),
		ErrorDetail:   workErr.Error(),
	})

	if retryable && job.AttemptCount < job.MaxAttempts {
		delay := e.backoff.Delay(job.AttemptCount)
		nextRun := now.Add(delay)

		e.mu.Lock()
		job.State = model.JobStatePending
		job.LastError = failure
		job.NextRunAt = &nextRun
		if err := e.store.Update(ctx, job); err != nil {
			e.logger.ErrorContext(ctx, "requeue job for retry failed", "job_id", job.ID, "error", err)
			e.jobDoneLocked()
			e.mu.Unlock()
			return
		}
		id := job.ID
		t.retryTimer = time.AfterFunc(delay, func() { e.retryTimerFired(id) })
		e.mu.Unlock()

		e.logger.WarnContext(ctx, "attempt failed; retry scheduled",
			"job_id", job.ID,
			"attempt", job.AttemptCount,
			"max_attempts", job.MaxAttempts,
			"category", category,
			"retry_in", delay,
			"error", workErr,
		)
		metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
			Transition:    metrics.TransitionRetryScheduled,
			ErrorCategory: string(category),
			Attempt:       job.AttemptCount,
			Duration:      elapsed,
		})
		return
	}

	e.mu.Lock()
	job.State = model.JobStateFailed
	job.LastError = failure
	job.FinishedAt = &now
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "mark job failed failed", "job_id", job.ID, "error", err)
	}
	e.jobDoneLocked()
	e.mu.Unlock()

	e.logger.ErrorContext(ctx, "job failed",
		"job_id", job.ID,
		"attempt", job.AttemptCount,
		"category", category,
		"retryable", retryable,
		"error", workErr,
	)
	metrics.EmitJobLifecycle(e.metrics, metrics.JobMetric{
		Transition:    metrics.TransitionFailed,
		ErrorCategory: string(category),
		Attempt:       job.AttemptCount,
		Duration:      elapsed,
	})
}

// retryTimerFired moves a job from backing-off to ready once its delay
// elapses.
func (e *Engine) retryTimerFired(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracked[id]
	if t == nil {
		return
	}
	t.retryTimer = nil
	if t.cancelRequested {
		// Cancel lost the race with the timer; finalize here.
		if err := e.finalizeCancelLocked(context.Background(), id); err != nil {
			e.logger.Error("cancel after retry timer failed", "job_id", id, "error", err)
		}
		e.jobDoneLocked()
		return
	}
	e.requeueLocked(id)
}

func (e *Engine) finishAttemptEntry(ctx context.Context, entry *model.ExecutionLogEntry, p core.FinishAttemptParams) {
	if entry == nil {
		return
	}
	if err := e.store.FinishAttempt(ctx, p); err != nil {
		e.logger.ErrorContext(ctx, "finalize execution log entry failed",
			"job_id", p.JobID,
			"attempt", p.Attempt,
			"error", err,
		)
	}
}
