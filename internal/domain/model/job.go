// Package model defines the core data types shared across the scrape job engine.
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// JobState represents the lifecycle state of a scrape job.
type JobState string

const (
	// JobStatePending indicates a job is waiting for a worker (initial state,
	// also the logical "ready for retry" state between attempts).
	JobStatePending JobState = "pending"
	// JobStateRunning indicates a worker is executing an attempt.
	JobStateRunning JobState = "running"
	// JobStateSucceeded indicates the work function returned a result.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed indicates the job exhausted its attempts or hit a
	// non-retryable fault.
	JobStateFailed JobState = "failed"
	// JobStateCancelled indicates the job was cancelled before completion.
	JobStateCancelled JobState = "cancelled"
)

// DefaultMaxAttempts is applied when a submission does not specify a budget.
const DefaultMaxAttempts = 3

// Valid returns true if the JobState is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// CanTransition reports whether the state machine permits from -> to.
// Pending may move to Running or Cancelled; Running may move to Succeeded,
// Failed, Cancelled, or back to Pending (retry requeue). Terminal states
// permit nothing.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to == JobStateSucceeded || to == JobStateFailed ||
			to == JobStateCancelled || to == JobStatePending
	default:
		return false
	}
}

// AttemptOutcome records how a single execution attempt ended.
type AttemptOutcome string

const (
	// AttemptRunning marks a log entry whose attempt has started but not finished.
	AttemptRunning AttemptOutcome = "running"
	// AttemptSucceeded marks an attempt that returned a result.
	AttemptSucceeded AttemptOutcome = "succeeded"
	// AttemptFailed marks an attempt that raised a fault.
	AttemptFailed AttemptOutcome = "failed"
)

// FailureInfo is the classified failure recorded on a job or log entry.
type FailureInfo struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// ResultSummary holds the counters produced by a successful run.
type ResultSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Job is the persisted record of one unit of scraping work.
//
// The engine is the only writer of State, AttemptCount, timestamps,
// LastError, and Result. Params is opaque to the engine and passed through
// to the work function untouched.
type Job struct {
	ID           string          `json:"id"                      db:"id"`
	Params       json.RawMessage `json:"params"                  db:"params"`
	State        JobState        `json:"state"                   db:"state"`
	AttemptCount int             `json:"attempt_count"           db:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"            db:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"              db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"    db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"   db:"finished_at"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"   db:"next_run_at"`
	LastError    *FailureInfo    `json:"last_error,omitempty"    db:"last_error"`
	Result       *ResultSummary  `json:"result_summary,omitempty" db:"result_summary"`
}

// Clone returns a deep copy so readers never observe torn writes.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Params = append(json.RawMessage(nil), j.Params...)
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	out.NextRunAt = cloneTime(j.NextRunAt)
	if j.LastError != nil {
		le := *j.LastError
		out.LastError = &le
	}
	if j.Result != nil {
		rs := *j.Result
		out.Result = &rs
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionLogEntry is the append-only history record of one attempt.
// One entry is created when the attempt starts and finalized exactly once.
type ExecutionLogEntry struct {
	JobID         string         `json:"job_id"                   db:"job_id"`
	Attempt       int            `json:"attempt_number"           db:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"               db:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"    db:"finished_at"`
	Outcome       AttemptOutcome `json:"outcome"                  db:"outcome"`
	ErrorCategory string         `json:"error_category,omitempty" db:"error_category"`
	ErrorDetail   string         `json:"error_detail,omitempty"   db:"error_detail"`
}

// SubmitRequest is the submission contract: an opaque parameter bag plus an
// optional retry budget.
type SubmitRequest struct {
	Params      json.RawMessage `json:"params"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Validate checks the submission contract. A zero MaxAttempts means
// "use the default"; explicit values below one are rejected.
func (r *SubmitRequest) Validate() error {
	if len(r.Params) == 0 {
		return errors.New("params is required")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max_attempts must be >= 1")
	}
	return nil
}

// EffectiveMaxAttempts resolves the configured retry budget.
func (r *SubmitRequest) EffectiveMaxAttempts() int {
	if r.MaxAttempts >= 1 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

// JobStatus is the stable polling payload consumed by API clients.
type JobStatus struct {
	ID            string             `json:"id"`
	State         JobState           `json:"state"`
	AttemptCount  int                `json:"attempt_count"`
	MaxAttempts   int                `json:"max_attempts"`
	LastError     *FailureInfo       `json:"last_error,omitempty"`
	ResultSummary *ResultSummary     `json:"result_summary,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	LastAttempt   *ExecutionLogEntry `json:"last_attempt,omitempty"`
}

// StatusFromJob builds the polling payload from a job snapshot and its most
// recent log entry (which may be nil before the first attempt).
func StatusFromJob(job *Job, last *ExecutionLogEntry) *JobStatus {
	if job == nil {
		return nil
	}
	return &JobStatus{
		ID:            job.ID,
		State:         job.State,
		AttemptCount:  job.AttemptCount,
		MaxAttempts:   job.MaxAttempts,
		LastError:     job.LastError,
		ResultSummary: job.Result,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		LastAttempt:   last,
	}
}

// JobStats counts jobs by state for the admin/metrics surface.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
