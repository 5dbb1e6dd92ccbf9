package watchdog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheet-assist/sssystem/internal/data"
	"github.com/sheet-assist/sssystem/internal/domain/model"
)

type cancelRecorder struct {
	cancelled []string
	result    bool
	err       error
}

func (c *cancelRecorder) Submit(context.Context, *model.SubmitRequest) (string, error) {
	return "", nil
}

func (c *cancelRecorder) Status(context.Context, string) (*model.JobStatus, error) {
	return nil, nil
}

func (c *cancelRecorder) Cancel(_ context.Context, id string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.cancelled = append(c.cancelled, id)
	return c.result, nil
}

func (c *cancelRecorder) Retry(context.Context, string) (string, error) { return "", nil }
func (c *cancelRecorder) Drain(time.Duration) bool                      { return true }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedRunningJob(t *testing.T, store *data.MemoryStore, id string, startedAt time.Time) {
	t.Helper()
	job := &model.Job{
		ID:           id,
		Params:       json.RawMessage(`{}`),
		State:        model.JobStateRunning,
		AttemptCount: 1,
		MaxAttempts:  3,
		CreatedAt:    startedAt,
		StartedAt:    &startedAt,
	}
	require.NoError(t, store.Create(context.Background(), job))
}

func appendAttempt(t *testing.T, store *data.MemoryStore, jobID string, attempt int, startedAt time.Time) {
	t.Helper()
	require.NoError(t, store.AppendAttempt(context.Background(), &model.ExecutionLogEntry{
		JobID:     jobID,
		Attempt:   attempt,
		StartedAt: startedAt,
		Outcome:   model.AttemptRunning,
	}))
}

func TestNewRunner(t *testing.T) {
	store := data.NewMemoryStore()

	t.Run("missing engine", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Store: store})
		require.Error(t, err)
	})

	t.Run("missing store", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Engine: &cancelRecorder{}})
		require.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		r, err := NewRunner(RunnerOptions{Engine: &cancelRecorder{}, Store: store})
		require.NoError(t, err)
		assert.Equal(t, DefaultInterval, r.interval)
		assert.Equal(t, DefaultThreshold, r.threshold)
	})
}

func TestSweepCancelsStuckJobs(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	store := data.NewMemoryStore()
	engine := &cancelRecorder{result: true}

	seedRunningJob(t, store, "stuck", now.Add(-3*time.Hour))
	seedRunningJob(t, store, "fresh", now.Add(-10*time.Minute))

	runner, err := NewRunner(RunnerOptions{
		Engine:    engine,
		Store:     store,
		Threshold: 2 * time.Hour,
		Time:      fixedClock{now: now},
	})
	require.NoError(t, err)

	cancelled, err := runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, []string{"stuck"}, engine.cancelled)
}

func TestSweepMeasuresFromCurrentAttempt(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	store := data.NewMemoryStore()
	engine := &cancelRecorder{result: true}

	// First attempt began hours ago, but retries with long backoffs mean the
	// current attempt is fresh. Only the job whose latest attempt breached
	// the threshold is stuck.
	seedRunningJob(t, store, "retried-fresh", now.Add(-6*time.Hour))
	appendAttempt(t, store, "retried-fresh", 1, now.Add(-6*time.Hour))
	appendAttempt(t, store, "retried-fresh", 2, now.Add(-15*time.Minute))

	seedRunningJob(t, store, "retried-stuck", now.Add(-6*time.Hour))
	appendAttempt(t, store, "retried-stuck", 1, now.Add(-6*time.Hour))
	appendAttempt(t, store, "retried-stuck", 2, now.Add(-3*time.Hour))

	runner, err := NewRunner(RunnerOptions{
		Engine:    engine,
		Store:     store,
		Threshold: 2 * time.Hour,
		Time:      fixedClock{now: now},
	})
	require.NoError(t, err)

	cancelled, err := runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, []string{"retried-stuck"}, engine.cancelled)
}

func TestSweepSkipsJobsWithoutStartTime(t *testing.T) {
	now := time.Now().UTC()
	store := data.NewMemoryStore()
	engine := &cancelRecorder{result: true}

	job := &model.Job{
		ID:          "no-start",
		Params:      json.RawMessage(`{}`),
		State:       model.JobStateRunning,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-5 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), job))

	runner, err := NewRunner(RunnerOptions{Engine: engine, Store: store})
	require.NoError(t, err)

	cancelled, err := runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cancelled)
	assert.Empty(t, engine.cancelled)
}

func TestSweepToleratesCancelRaces(t *testing.T) {
	now := time.Now().UTC()
	store := data.NewMemoryStore()
	// Cancel reports false: the job went terminal between list and cancel.
	engine := &cancelRecorder{result: false}

	seedRunningJob(t, store, "raced", now.Add(-3*time.Hour))

	runner, err := NewRunner(RunnerOptions{Engine: engine, Store: store})
	require.NoError(t, err)

	cancelled, err := runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	runner, err := NewRunner(RunnerOptions{
		Engine:   &cancelRecorder{},
		Store:    data.NewMemoryStore(),
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "graceful shutdown must return nil")
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
