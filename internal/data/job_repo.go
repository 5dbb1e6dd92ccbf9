// Package data provides the JobStore implementations: an in-memory store for
// tests and single-process use, and a Postgres-backed store for durable
// deployments.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	apperrors "github.com/sheet-assist/sssystem/internal/errors"
)

// JobRepo implements core.JobStore on Postgres via database/sql.
type JobRepo struct {
	db     *sql.DB
	logger *slog.Logger
	clock  core.TimeProvider
}

var _ core.JobStore = (*JobRepo)(nil)

// JobRepoOptions configures NewJobRepo. DB is required.
type JobRepoOptions struct {
	DB     *sql.DB
	Logger *slog.Logger
	Time   core.TimeProvider
}

// NewJobRepo creates a Postgres-backed job store.
func NewJobRepo(opts JobRepoOptions) (*JobRepo, error) {
	if opts.DB == nil {
		return nil, apperrors.Internal("DB is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Time
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	return &JobRepo{
		db:     opts.DB,
		logger: logger.With("component", "job_repo"),
		clock:  clock,
	}, nil
}

const jobColumns = `
  id,
  params,
  state,
  attempt_count,
  max_attempts,
  created_at,
  started_at,
  finished_at,
  next_run_at,
  last_error_category,
  last_error_message,
  result
`

// Create inserts a new job record.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) error {
	errCategory, errMessage := splitFailure(job.LastError)
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (
		  id, params, state, attempt_count, max_attempts, created_at,
		  started_at, finished_at, next_run_at,
		  last_error_category, last_error_message, result
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		[]byte(job.Params),
		string(job.State),
		job.AttemptCount,
		job.MaxAttempts,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		job.NextRunAt,
		errCategory,
		errMessage,
		result,
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// Get returns a snapshot of the job.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Update replaces the stored record for job.ID.
func (r *JobRepo) Update(ctx context.Context, job *model.Job) error {
	errCategory, errMessage := splitFailure(job.LastError)
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
		  params = $2,
		  state = $3,
		  attempt_count = $4,
		  max_attempts = $5,
		  started_at = $6,
		  finished_at = $7,
		  next_run_at = $8,
		  last_error_category = $9,
		  last_error_message = $10,
		  result = $11,
		  updated_at = $12
		WHERE id = $1`,
		job.ID,
		[]byte(job.Params),
		string(job.State),
		job.AttemptCount,
		job.MaxAttempts,
		job.StartedAt,
		job.FinishedAt,
		job.NextRunAt,
		errCategory,
		errMessage,
		result,
		r.clock.Now().UTC(),
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("job not found: %s", job.ID)
	}
	return nil
}

// ListByState returns up to limit jobs in the given state, oldest first.
// A limit of zero means no limit.
func (r *JobRepo) ListByState(ctx context.Context, state model.JobState, limit int) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY created_at ASC`
	args := []any{string(state)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.MapDBError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// AppendAttempt records the start of an attempt.
func (r *JobRepo) AppendAttempt(ctx context.Context, entry *model.ExecutionLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_attempts (
		  job_id, attempt_number, started_at, outcome, error_category, error_detail
		)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.JobID,
		entry.Attempt,
		entry.StartedAt,
		string(entry.Outcome),
		entry.ErrorCategory,
		entry.ErrorDetail,
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// FinishAttempt finalizes a previously appended entry.
func (r *JobRepo) FinishAttempt(ctx context.Context, p core.FinishAttemptParams) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_attempts SET
		  finished_at = $3,
		  outcome = $4,
		  error_category = $5,
		  error_detail = $6
		WHERE job_id = $1 AND attempt_number = $2`,
		p.JobID,
		p.Attempt,
		p.FinishedAt,
		string(p.Outcome),
		p.ErrorCategory,
		p.ErrorDetail,
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("attempt %d not found for job %s", p.Attempt, p.JobID)
	}
	return nil
}

const attemptColumns = `
  job_id,
  attempt_number,
  started_at,
  finished_at,
  outcome,
  error_category,
  error_detail
`

// Attempts returns the execution log ordered by attempt number.
func (r *JobRepo) Attempts(ctx context.Context, jobID string) ([]model.ExecutionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM job_attempts WHERE job_id = $1 ORDER BY attempt_number ASC`,
		jobID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var entries []model.ExecutionLogEntry
	for rows.Next() {
		entry, err := scanAttempt(rows)
		if err != nil {
			return nil, apperrors.MapDBError(err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return entries, nil
}

// LatestAttempt returns the most recent log entry, or nil when the job has
// not run yet.
func (r *JobRepo) LatestAttempt(ctx context.Context, jobID string) (*model.ExecutionLogEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM job_attempts
		 WHERE job_id = $1 ORDER BY attempt_number DESC LIMIT 1`,
		jobID)
	entry, err := scanAttempt(row)
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsNotFound(mapped) {
			return nil, nil
		}
		return nil, mapped
	}
	return entry, nil
}

// Stats counts jobs by state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var stats model.JobStats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, apperrors.MapDBError(err)
		}
		switch model.JobState(state) {
		case model.JobStatePending:
			stats.Pending = count
		case model.JobStateRunning:
			stats.Running = count
		case model.JobStateSucceeded:
			stats.Succeeded = count
		case model.JobStateFailed:
			stats.Failed = count
		case model.JobStateCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &stats, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job         model.Job
		params      []byte
		state       string
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		nextRunAt   sql.NullTime
		errCategory sql.NullString
		errMessage  sql.NullString
		result      []byte
	)
	if err := row.Scan(
		&job.ID,
		&params,
		&state,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&nextRunAt,
		&errCategory,
		&errMessage,
		&result,
	); err != nil {
		return nil, err
	}

	job.Params = json.RawMessage(params)
	job.State = model.JobState(state)
	job.StartedAt = nullableTime(startedAt)
	job.FinishedAt = nullableTime(finishedAt)
	job.NextRunAt = nullableTime(nextRunAt)
	if errCategory.Valid && errCategory.String != "" {
		job.LastError = &model.FailureInfo{
			Category: errCategory.String,
			Message:  errMessage.String,
		}
	}
	if len(result) > 0 {
		var summary model.ResultSummary
		if err := json.Unmarshal(result, &summary); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
		job.Result = &summary
	}
	return &job, nil
}

func scanAttempt(row rowScanner) (*model.ExecutionLogEntry, error) {
	var (
		entry      model.ExecutionLogEntry
		finishedAt sql.NullTime
		outcome    string
	)
	if err := row.Scan(
		&entry.JobID,
		&entry.Attempt,
		&entry.StartedAt,
		&finishedAt,
		&outcome,
		&entry.ErrorCategory,
		&entry.ErrorDetail,
	); err != nil {
		return nil, err
	}
	entry.FinishedAt = nullableTime(finishedAt)
	entry.Outcome = model.AttemptOutcome(outcome)
	return &entry, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func splitFailure(f *model.FailureInfo) (sql.NullString, sql.NullString) {
	if f == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: f.Category, Valid: true},
		sql.NullString{String: f.Message, Valid: true}
}

func marshalResult(r *model.ResultSummary) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	out, err := json.Marshal(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode result summary")
	}
	return out, nil
}
