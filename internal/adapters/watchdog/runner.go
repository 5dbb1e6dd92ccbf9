// Package watchdog cancels jobs that have been running far longer than any
// legitimate scrape should. It sits outside the engine and uses only the
// public Cancel surface, so a wedged work function cannot wedge the watchdog.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	"github.com/sheet-assist/sssystem/internal/observability/statsd"
)

// Defaults for the sweep cadence and the stuck threshold.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 2 * time.Hour
)

// RunnerOptions holds the dependencies for creating a Runner. Engine and
// Store are required.
type RunnerOptions struct {
	Engine    core.Engine
	Store     core.JobStore
	Interval  time.Duration
	Threshold time.Duration
	Logger    *slog.Logger
	Metrics   statsd.Sink
	Time      core.TimeProvider
}

// Runner periodically sweeps for stuck running jobs.
type Runner struct {
	engine    core.Engine
	store     core.JobStore
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
	clock     core.TimeProvider
}

// NewRunner creates a watchdog runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Time
	if clock == nil {
		clock = core.RealTimeProvider{}
	}

	return &Runner{
		engine:    opts.Engine,
		store:     opts.Store,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With("component", "watchdog"),
		metrics:   opts.Metrics,
		clock:     clock,
	}, nil
}

// Run sweeps at the configured interval until ctx is cancelled. Returns nil
// on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting watchdog",
		"interval", r.interval,
		"threshold", r.threshold,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "watchdog stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "watchdog sweep failed", "error", err)
			} else if n > 0 {
				r.logger.WarnContext(ctx, "cancelled stuck jobs", "count", n)
			}
		}
	}
}

// Sweep cancels every running job whose current attempt started more than
// the threshold ago. Returns the number of cancellations issued.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	running, err := r.store.ListByState(ctx, model.JobStateRunning, 0)
	if err != nil {
		return 0, err
	}

	cutoff := r.clock.Now().Add(-r.threshold)
	var cancelled int
	for _, job := range running {
		startedAt, err := r.attemptStart(ctx, job)
		if err != nil {
			r.logger.ErrorContext(ctx, "read latest attempt failed",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		if startedAt == nil || startedAt.After(cutoff) {
			continue
		}

		ok, err := r.engine.Cancel(ctx, job.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "cancel stuck job failed",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			// Finished between listing and cancel.
			continue
		}
		cancelled++
		r.logger.WarnContext(ctx, "stuck job cancelled",
			"job_id", job.ID,
			"started_at", startedAt,
			"threshold", r.threshold,
		)
		if r.metrics != nil {
			r.metrics.Count("watchdog.job_cancelled", 1, nil)
		}
	}
	return cancelled, nil
}

// attemptStart returns when the job's current attempt began. Job.StartedAt
// marks the first attempt only; a retried job restarts the clock with each
// new execution log entry, so a long backoff history does not read as stuck.
func (r *Runner) attemptStart(ctx context.Context, job *model.Job) (*time.Time, error) {
	entry, err := r.store.LatestAttempt(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &entry.StartedAt, nil
	}
	return job.StartedAt, nil
}
