// Package httpx provides the HTTP API for the scraping job system: job
// submission, status polling, cancellation, retry, and aggregate stats.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	"github.com/sheet-assist/sssystem/internal/service"
)

// StatsProvider reports job counts by state. Satisfied by the engine.
type StatsProvider interface {
	Stats(ctx context.Context) (*model.JobStats, error)
}

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Engine core.Engine
	Status *service.StatusService
	Stats  StatsProvider
}

// SubmitJob handles HTTP requests to submit a new scraping job.
func (h *JobHandlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.Engine.Submit(r.Context(), &req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// GetStatus handles HTTP requests for a job's current status snapshot.
func (h *JobHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	status, err := h.Status.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// CancelJob handles HTTP requests to cancel a pending or running job.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	cancelled, err := h.Engine.Cancel(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.Status.Invalidate(r.Context(), id)

	WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// RetryJob handles HTTP requests to resubmit a failed job.
func (h *JobHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	newID, err := h.Engine.Retry(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.Status.Invalidate(r.Context(), id)

	WriteJSON(w, http.StatusAccepted, map[string]string{"id": newID})
}

// GetStats handles HTTP requests for aggregate job counts by state.
func (h *JobHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Stats.Stats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}
