package data

import (
	"context"
	"sort"
	"sync"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	apperrors "github.com/sheet-assist/sssystem/internal/errors"
)

// MemoryStore is the default in-process JobStore. All reads return deep
// copies so callers never observe a record mid-transition.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*model.Job
	attempts map[string][]model.ExecutionLogEntry
	order    []string // insertion order, for stable oldest-first listings
}

var _ core.JobStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*model.Job),
		attempts: make(map[string][]model.ExecutionLogEntry),
	}
}

// Create inserts a new job record.
func (s *MemoryStore) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.Conflict("job already exists: " + job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

// Get returns a snapshot of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job not found: %s", id)
	}
	return job.Clone(), nil
}

// Update replaces the stored record for job.ID.
func (s *MemoryStore) Update(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return apperrors.NotFoundf("job not found: %s", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListByState returns up to limit jobs in the given state, oldest first.
func (s *MemoryStore) ListByState(_ context.Context, state model.JobState, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.State != state {
			continue
		}
		out = append(out, job.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendAttempt records the start of an attempt.
func (s *MemoryStore) AppendAttempt(_ context.Context, entry *model.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[entry.JobID]; !ok {
		return apperrors.NotFoundf("job not found: %s", entry.JobID)
	}
	s.attempts[entry.JobID] = append(s.attempts[entry.JobID], *entry)
	return nil
}

// FinishAttempt finalizes a previously appended entry.
func (s *MemoryStore) FinishAttempt(_ context.Context, p core.FinishAttemptParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.attempts[p.JobID]
	for i := range entries {
		if entries[i].Attempt != p.Attempt {
			continue
		}
		finished := p.FinishedAt
		entries[i].FinishedAt = &finished
		entries[i].Outcome = p.Outcome
		entries[i].ErrorCategory = p.ErrorCategory
		entries[i].ErrorDetail = p.ErrorDetail
		return nil
	}
	return apperrors.NotFoundf("attempt %d not found for job %s", p.Attempt, p.JobID)
}

// Attempts returns the execution log ordered by attempt number.
func (s *MemoryStore) Attempts(_ context.Context, jobID string) ([]model.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.attempts[jobID]
	out := make([]model.ExecutionLogEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// LatestAttempt returns the most recent log entry, or nil if none exist.
func (s *MemoryStore) LatestAttempt(_ context.Context, jobID string) (*model.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.attempts[jobID]
	if len(entries) == 0 {
		return nil, nil
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.Attempt > latest.Attempt {
			latest = e
		}
	}
	return &latest, nil
}

// Stats counts jobs by state.
func (s *MemoryStore) Stats(_ context.Context) (*model.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats model.JobStats
	for _, job := range s.jobs {
		switch job.State {
		case model.JobStatePending:
			stats.Pending++
		case model.JobStateRunning:
			stats.Running++
		case model.JobStateSucceeded:
			stats.Succeeded++
		case model.JobStateFailed:
			stats.Failed++
		case model.JobStateCancelled:
			stats.Cancelled++
		}
	}
	return &stats, nil
}
