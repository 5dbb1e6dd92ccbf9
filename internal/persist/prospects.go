// Package persist writes scrape output to Postgres: prospect rows harvested
// from auction calendars and per-job run summaries.
package persist

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	apperrors "github.com/sheet-assist/sssystem/internal/errors"
)

// Prospect is one auction listing worth following up on. CaseNumber is the
// natural key: the same case shows up across repeat scrapes and reschedules.
type Prospect struct {
	CaseNumber          string
	State               string
	County              string
	AuctionType         string
	AuctionDate         *time.Time
	FinalJudgmentAmount *float64
	ParcelID            string
	PropertyAddress     string
	AssessedValue       *float64
	PlaintiffMaxBid     *float64
	SourceJobID         string
}

// ProspectStore upserts prospect rows keyed by case number.
type ProspectStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProspectStore creates a store over the given connection pool.
func NewProspectStore(db *sql.DB, logger *slog.Logger) (*ProspectStore, error) {
	if db == nil {
		return nil, apperrors.Internal("DB is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProspectStore{
		db:     db,
		logger: logger.With("component", "prospect_store"),
	}, nil
}

// Upsert inserts the prospect or refreshes an existing row with the latest
// scraped values.
func (s *ProspectStore) Upsert(ctx context.Context, p *Prospect) error {
	if p == nil || p.CaseNumber == "" {
		return apperrors.Validation("prospect case number is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospects (
		  case_number, state, county, auction_type, auction_date,
		  final_judgment_amount, parcel_id, property_address,
		  assessed_value, plaintiff_max_bid, source_job_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (case_number) DO UPDATE SET
		  state = EXCLUDED.state,
		  county = EXCLUDED.county,
		  auction_type = EXCLUDED.auction_type,
		  auction_date = EXCLUDED.auction_date,
		  final_judgment_amount = EXCLUDED.final_judgment_amount,
		  parcel_id = EXCLUDED.parcel_id,
		  property_address = EXCLUDED.property_address,
		  assessed_value = EXCLUDED.assessed_value,
		  plaintiff_max_bid = EXCLUDED.plaintiff_max_bid,
		  source_job_id = EXCLUDED.source_job_id,
		  updated_at = now()`,
		p.CaseNumber,
		p.State,
		p.County,
		p.AuctionType,
		p.AuctionDate,
		p.FinalJudgmentAmount,
		p.ParcelID,
		p.PropertyAddress,
		p.AssessedValue,
		p.PlaintiffMaxBid,
		nullableString(p.SourceJobID),
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// RunRecorder implements core.Persister by recording one summary row per
// completed job. Re-running a job id overwrites the previous summary.
type RunRecorder struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ core.Persister = (*RunRecorder)(nil)

// NewRunRecorder creates a recorder over the given connection pool.
func NewRunRecorder(db *sql.DB, logger *slog.Logger) (*RunRecorder, error) {
	if db == nil {
		return nil, apperrors.Internal("DB is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRecorder{
		db:     db,
		logger: logger.With("component", "run_recorder"),
	}, nil
}

// Persist stores the job's result summary.
func (r *RunRecorder) Persist(ctx context.Context, jobID string, summary model.ResultSummary) error {
	if jobID == "" {
		return apperrors.Validation("job id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (job_id, processed, succeeded, failed, recorded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (job_id) DO UPDATE SET
		  processed = EXCLUDED.processed,
		  succeeded = EXCLUDED.succeeded,
		  failed = EXCLUDED.failed,
		  recorded_at = now()`,
		jobID,
		summary.Processed,
		summary.Succeeded,
		summary.Failed,
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	r.logger.DebugContext(ctx, "run summary recorded",
		"job_id", jobID,
		"processed", summary.Processed,
	)
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
