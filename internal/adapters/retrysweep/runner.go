// Package retrysweep resubmits failed jobs whose failures were transient.
// The engine's own backoff retries within a single submission's budget; this
// sweep is the second line, giving exhausted-but-retryable jobs a fresh
// submission on a cron schedule.
package retrysweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/fault"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	"github.com/sheet-assist/sssystem/internal/observability/statsd"
)

// DefaultSchedule sweeps every 10 minutes.
const DefaultSchedule = "*/10 * * * *"

// DefaultBatchSize bounds how many failed jobs one sweep resubmits.
const DefaultBatchSize = 20

// RunnerOptions holds the dependencies for creating a Runner. Engine and
// Store are required.
type RunnerOptions struct {
	Engine    core.Engine
	Store     core.JobStore
	Schedule  string // cron expression, standard 5 fields
	BatchSize int
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// Runner schedules the sweep with cron and remembers which failed job ids it
// already resubmitted, so one failure produces one fresh submission.
type Runner struct {
	engine    core.Engine
	store     core.JobStore
	schedule  string
	batchSize int
	logger    *slog.Logger
	metrics   statsd.Sink

	mu    sync.Mutex
	swept map[string]struct{}
}

// NewRunner creates a retry sweep runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}

	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		engine:    opts.Engine,
		store:     opts.Store,
		schedule:  schedule,
		batchSize: batchSize,
		logger:    logger.With("component", "retry_sweep"),
		metrics:   opts.Metrics,
		swept:     make(map[string]struct{}),
	}, nil
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting retry sweep", "schedule", r.schedule)

	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		if n, err := r.Sweep(ctx); err != nil {
			r.logger.ErrorContext(ctx, "retry sweep failed", "error", err)
		} else if n > 0 {
			r.logger.InfoContext(ctx, "resubmitted failed jobs", "count", n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()

	r.logger.Info("retry sweep stopping", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Sweep resubmits eligible failed jobs and returns how many it resubmitted.
// Eligible means the recorded failure category is retryable and this runner
// has not already resubmitted the job.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	failed, err := r.store.ListByState(ctx, model.JobStateFailed, 0)
	if err != nil {
		return 0, err
	}

	var resubmitted int
	for _, job := range failed {
		if resubmitted >= r.batchSize {
			break
		}
		if !r.eligible(job) {
			continue
		}

		newID, err := r.engine.Retry(ctx, job.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "resubmit failed job",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		r.markSwept(job.ID)
		resubmitted++

		r.logger.InfoContext(ctx, "failed job resubmitted",
			"job_id", job.ID,
			"new_job_id", newID,
			"category", failureCategory(job),
		)
		if r.metrics != nil {
			r.metrics.Count("retry_sweep.resubmitted", 1, nil)
		}
	}
	return resubmitted, nil
}

func (r *Runner) eligible(job *model.Job) bool {
	if job.LastError == nil {
		return false
	}
	if !fault.Category(job.LastError.Category).Retryable() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, seen := r.swept[job.ID]
	return !seen
}

func (r *Runner) markSwept(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swept[id] = struct{}{}
}

func failureCategory(job *model.Job) string {
	if job.LastError == nil {
		return ""
	}
	return job.LastError.Category
}
