// Package service holds the application services between the HTTP layer and
// the engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sheet-assist/sssystem/internal/core"
	"github.com/sheet-assist/sssystem/internal/domain/model"
)

// Default cache lifetimes for status snapshots. Active jobs change quickly,
// terminal jobs never change again.
const (
	DefaultStatusTTL         = 2 * time.Second
	DefaultTerminalStatusTTL = 5 * time.Minute
)

// StatusServiceOptions configures NewStatusService. Engine is required; Cache
// is optional and the service reads straight through when it is nil.
type StatusServiceOptions struct {
	Engine      core.Engine
	Cache       core.StatusCache
	TTL         time.Duration
	TerminalTTL time.Duration
	Logger      *slog.Logger
}

// StatusService serves polling clients. It fronts Engine.Status with an
// optional cache so a dashboard polling every second does not hammer the
// store.
type StatusService struct {
	engine      core.Engine
	cache       core.StatusCache
	ttl         time.Duration
	terminalTTL time.Duration
	logger      *slog.Logger
}

// NewStatusService validates the options and constructs the service.
func NewStatusService(opts StatusServiceOptions) (*StatusService, error) {
	if opts.Engine == nil {
		return nil, errors.New("Engine is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	terminalTTL := opts.TerminalTTL
	if terminalTTL <= 0 {
		terminalTTL = DefaultTerminalStatusTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StatusService{
		engine:      opts.Engine,
		cache:       opts.Cache,
		ttl:         ttl,
		terminalTTL: terminalTTL,
		logger:      logger.With("component", "status_service"),
	}, nil
}

// MustNewStatusService constructs the service or panics. For wiring code
// where the options are static.
func MustNewStatusService(opts StatusServiceOptions) *StatusService {
	svc, err := NewStatusService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Get returns the status snapshot for a job id. Cache errors degrade to a
// direct engine read; they are logged and never surfaced to the caller.
func (s *StatusService) Get(ctx context.Context, id string) (*model.JobStatus, error) {
	key := statusCacheKey(id)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.WarnContext(ctx, "status cache read failed", "job_id", id, "error", err)
		} else if cached != nil {
			var status model.JobStatus
			if err := json.Unmarshal(cached, &status); err == nil {
				return &status, nil
			}
			// A corrupt entry is dropped and refreshed from the engine.
			if _, err := s.cache.Delete(ctx, key); err != nil {
				s.logger.WarnContext(ctx, "status cache delete failed", "job_id", id, "error", err)
			}
		}
	}

	status, err := s.engine.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(status); err == nil {
			ttl := s.ttl
			if status.State.Terminal() {
				ttl = s.terminalTTL
			}
			if err := s.cache.Set(ctx, key, payload, ttl); err != nil {
				s.logger.WarnContext(ctx, "status cache write failed", "job_id", id, "error", err)
			}
		}
	}
	return status, nil
}

// Invalidate drops the cached snapshot after a control-plane change
// (cancel, retry) so the next poll reflects it immediately.
func (s *StatusService) Invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Delete(ctx, statusCacheKey(id)); err != nil {
		s.logger.WarnContext(ctx, "status cache invalidate failed", "job_id", id, "error", err)
	}
}

func statusCacheKey(id string) string {
	return "job_status:" + id
}
