// Package core defines the interfaces that connect the engine to its
// collaborators: the job store, the work function, the persistence layer,
// and the status cache.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sheet-assist/sssystem/internal/domain/model"
)

// WorkFunc is the external scraping routine. The engine treats it as opaque:
// params pass through untouched and the context carries the cooperative
// cancellation signal. Implementations must be safe to invoke repeatedly for
// the same params (a retried attempt must not corrupt partial prior work).
type WorkFunc func(ctx context.Context, params json.RawMessage) (*model.ResultSummary, error)

// Persister receives the result of a successful attempt, exactly once per
// success. It must tolerate concurrent calls from up to N workers; failures
// are surfaced out-of-band (logs/metrics) and never alter job state.
type Persister interface {
	Persist(ctx context.Context, jobID string, summary model.ResultSummary) error
}

// FinishAttemptParams finalizes an execution log entry.
type FinishAttemptParams struct {
	JobID         string
	Attempt       int
	FinishedAt    time.Time
	Outcome       model.AttemptOutcome
	ErrorCategory string
	ErrorDetail   string
}

// JobStore persists job records and their append-only execution log.
//
// The engine serializes all writes for a given job id; implementations only
// need to make individual operations atomic and reads consistent (no torn
// snapshots).
type JobStore interface {
	// Create inserts a new job record. Fails with a conflict error on
	// duplicate id.
	Create(ctx context.Context, job *model.Job) error
	// Get returns a consistent snapshot of the job, or a not-found error.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Update replaces the stored record for job.ID.
	Update(ctx context.Context, job *model.Job) error
	// ListByState returns up to limit jobs in the given state, oldest first.
	ListByState(ctx context.Context, state model.JobState, limit int) ([]*model.Job, error)

	// AppendAttempt records the start of an attempt.
	AppendAttempt(ctx context.Context, entry *model.ExecutionLogEntry) error
	// FinishAttempt finalizes a previously appended entry. Entries are never
	// deleted.
	FinishAttempt(ctx context.Context, p FinishAttemptParams) error
	// Attempts returns the full execution log for a job, ordered by attempt.
	Attempts(ctx context.Context, jobID string) ([]model.ExecutionLogEntry, error)
	// LatestAttempt returns the most recent log entry, or nil if none exist.
	LatestAttempt(ctx context.Context, jobID string) (*model.ExecutionLogEntry, error)

	// Stats counts jobs by state.
	Stats(ctx context.Context) (*model.JobStats, error)
}

// Engine is the control surface of the job executor, consumed by the HTTP
// layer and the background adapters.
type Engine interface {
	Submit(ctx context.Context, req *model.SubmitRequest) (string, error)
	Status(ctx context.Context, id string) (*model.JobStatus, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, id string) (string, error)
	Drain(timeout time.Duration) bool
}

// StatusCache caches serialized status snapshots for polling clients.
type StatusCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// TimeProvider abstracts time.Now for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time { return time.Now() }
