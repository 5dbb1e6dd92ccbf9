package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheet-assist/sssystem/internal/data"
	"github.com/sheet-assist/sssystem/internal/domain/fault"
	domainjob "github.com/sheet-assist/sssystem/internal/domain/job"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	apperrors "github.com/sheet-assist/sssystem/internal/errors"
)

const testWait = 5 * time.Second

var testParams = json.RawMessage(`{"county":"broward","start_date":"2026-01-05","end_date":"2026-01-09"}`)

// scriptedWork returns its scripted errors in order, then succeeds with the
// given result for every later call.
type scriptedWork struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	result  *model.ResultSummary
	onStart func(call int)
}

func (s *scriptedWork) fn(_ context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	var err error
	if call < len(s.errs) {
		err = s.errs[call]
	}
	onStart := s.onStart
	s.mu.Unlock()

	if onStart != nil {
		onStart(call)
	}
	if err != nil {
		return nil, err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &model.ResultSummary{Processed: 1, Succeeded: 1}, nil
}

func (s *scriptedWork) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type persistRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *persistRecorder) Persist(_ context.Context, jobID string, _ model.ResultSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, jobID)
	return p.err
}

func (p *persistRecorder) jobIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func fastBackoff(t *testing.T) *domainjob.BackoffPolicy {
	t.Helper()
	policy, err := domainjob.NewBackoffPolicy(time.Millisecond, 1, time.Second)
	require.NoError(t, err)
	return policy
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *data.MemoryStore) {
	t.Helper()
	store := data.NewMemoryStore()
	if opts.Store == nil {
		opts.Store = store
	}
	if opts.Backoff == nil {
		opts.Backoff = fastBackoff(t)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, store
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
}

func requireDrained(t *testing.T, e *Engine) {
	t.Helper()
	require.True(t, e.Drain(testWait), "jobs still outstanding after drain")
}

func TestNewEngine(t *testing.T) {
	work := func(context.Context, json.RawMessage) (*model.ResultSummary, error) { return nil, nil }

	t.Run("missing store", func(t *testing.T) {
		e, err := New(Options{Work: work})
		require.Error(t, err)
		assert.Nil(t, e)
		assert.Contains(t, err.Error(), "job store is required")
	})

	t.Run("missing work function", func(t *testing.T) {
		e, err := New(Options{Store: data.NewMemoryStore()})
		require.Error(t, err)
		assert.Nil(t, e)
		assert.Contains(t, err.Error(), "work function is required")
	})

	t.Run("defaults", func(t *testing.T) {
		e, err := New(Options{Store: data.NewMemoryStore(), Work: work})
		require.NoError(t, err)
		assert.Equal(t, DefaultWorkers, e.workers)
		assert.NotNil(t, e.backoff)
		assert.NotNil(t, e.logger)
		e.Close()
	})
}

func TestEngineSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{Work: (&scriptedWork{}).fn})

	t.Run("nil request", func(t *testing.T) {
		_, err := e.Submit(context.Background(), nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidJob(err))
	})

	t.Run("empty params", func(t *testing.T) {
		_, err := e.Submit(context.Background(), &model.SubmitRequest{})
		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidJob(err))
	})

	t.Run("negative max attempts", func(t *testing.T) {
		_, err := e.Submit(context.Background(), &model.SubmitRequest{
			Params:      testParams,
			MaxAttempts: -1,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidJob(err))
	})
}

func TestEngineRunsJobToSuccess(t *testing.T) {
	work := &scriptedWork{result: &model.ResultSummary{Processed: 7, Succeeded: 6, Failed: 1}}
	persister := &persistRecorder{}
	e, store := newTestEngine(t, Options{Work: work.fn, Persister: persister})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	assert.Equal(t, model.DefaultMaxAttempts, status.MaxAttempts)
	assert.Nil(t, status.LastError)
	require.NotNil(t, status.ResultSummary)
	assert.Equal(t, 7, status.ResultSummary.Processed)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.FinishedAt)

	entries, err := store.Attempts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AttemptSucceeded, entries[0].Outcome)
	assert.NotNil(t, entries[0].FinishedAt)
	assert.Empty(t, entries[0].ErrorCategory)

	assert.Equal(t, []string{id}, persister.jobIDs())
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	work := &scriptedWork{errs: []error{
		fault.Network("connection reset by courthouse site", nil),
		fault.Network("timeout fetching results page", nil),
	}}
	e, store := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := e.Status(context.Background(), id)
		return err == nil && status.State == model.JobStateSucceeded
	}, testWait, 5*time.Millisecond)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, status.AttemptCount)
	assert.Equal(t, 3, work.callCount())

	entries, err := store.Attempts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.AttemptFailed, entries[0].Outcome)
	assert.Equal(t, string(fault.CategoryNetwork), entries[0].ErrorCategory)
	assert.Equal(t, model.AttemptFailed, entries[1].Outcome)
	assert.Equal(t, model.AttemptSucceeded, entries[2].Outcome)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Attempt)
		assert.NotNil(t, entry.FinishedAt, "entry %d not finalized", i)
	}
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	work := &scriptedWork{errs: []error{
		fault.Network("dial tcp: connection refused", nil),
		fault.Network("dial tcp: connection refused", nil),
		fault.Network("dial tcp: connection refused", nil),
	}}
	e, store := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams, MaxAttempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := e.Status(context.Background(), id)
		return err == nil && status.State == model.JobStateFailed
	}, testWait, 5*time.Millisecond)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, status.AttemptCount)
	assert.Equal(t, 3, work.callCount())
	require.NotNil(t, status.LastError)
	assert.Equal(t, string(fault.CategoryNetwork), status.LastError.Category)
	require.NotNil(t, status.FinishedAt)

	entries, err := store.Attempts(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestEngineNonRetryableFailsOnFirstAttempt(t *testing.T) {
	work := &scriptedWork{errs: []error{
		fault.DataValidation("case_number missing from auction listing", nil),
	}}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	assert.Equal(t, 1, work.callCount())
	require.NotNil(t, status.LastError)
	assert.Equal(t, string(fault.CategoryDataValidation), status.LastError.Category)
}

func TestEngineSingleAttemptBudget(t *testing.T) {
	work := &scriptedWork{errs: []error{fault.Network("flaky upstream", nil)}}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams, MaxAttempts: 1})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	assert.Equal(t, 1, work.callCount())
}

func TestEngineUnclassifiedErrorIsNotRetried(t *testing.T) {
	work := &scriptedWork{errs: []error{errors.New("something unexpected")}}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	require.NotNil(t, status.LastError)
	assert.Equal(t, string(fault.CategorySystem), status.LastError.Category)
}

func TestEngineCancelPendingJob(t *testing.T) {
	work := &scriptedWork{}
	e, store := newTestEngine(t, Options{Work: work.fn})

	// Workers not started: the job sits in the queue.
	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)

	ok, err := e.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCancelled, status.State)
	assert.Equal(t, 0, status.AttemptCount)
	require.NotNil(t, status.FinishedAt)

	// Workers come up afterwards and must skip the cancelled id.
	startEngine(t, e)
	requireDrained(t, e)
	assert.Equal(t, 0, work.callCount())

	entries, err := store.Attempts(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	work := func(ctx context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
		close(started)
		<-ctx.Done()
		return nil, fault.Network("aborted mid-scrape", ctx.Err())
	}
	e, _ := newTestEngine(t, Options{Work: work, Workers: 1})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(testWait):
		t.Fatal("work function never started")
	}

	ok, err := e.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCancelled, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	require.NotNil(t, status.FinishedAt)
}

func TestEngineCancelDuringBackoff(t *testing.T) {
	// A long backoff keeps the job parked between attempts.
	slow, err := domainjob.NewBackoffPolicy(time.Minute, 1, time.Hour)
	require.NoError(t, err)

	work := &scriptedWork{errs: []error{fault.Network("transient", nil)}}
	e, _ := newTestEngine(t, Options{Work: work.fn, Backoff: slow})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := e.Status(context.Background(), id)
		return err == nil && status.State == model.JobStatePending && status.AttemptCount == 1
	}, testWait, 5*time.Millisecond)

	ok, err := e.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCancelled, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	assert.Equal(t, 1, work.callCount())
}

func TestEngineCancelTerminalJob(t *testing.T) {
	work := &scriptedWork{}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	ok, err := e.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, status.State)
}

func TestEngineCancelUnknownJob(t *testing.T) {
	e, _ := newTestEngine(t, Options{Work: (&scriptedWork{}).fn})

	_, err := e.Cancel(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEngineRetry(t *testing.T) {
	work := &scriptedWork{errs: []error{
		fault.DataValidation("bad parcel id", nil),
	}}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams, MaxAttempts: 2})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.JobStateFailed, status.State)

	newID, err := e.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	requireDrained(t, e)

	newStatus, err := e.Status(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, newStatus.State)
	assert.Equal(t, 1, newStatus.AttemptCount)
	assert.Equal(t, 2, newStatus.MaxAttempts)

	// The original record is untouched.
	status, err = e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
}

func TestEngineRetryRequiresFailedState(t *testing.T) {
	work := &scriptedWork{}
	e, _ := newTestEngine(t, Options{Work: work.fn})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	_, err = e.Retry(context.Background(), id)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestEngineBoundsConcurrency(t *testing.T) {
	const workers = 2
	const jobs = workers + 1

	var running, peak int32
	release := make(chan struct{})
	work := func(_ context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return &model.ResultSummary{Processed: 1}, nil
	}

	e, _ := newTestEngine(t, Options{Work: work, Workers: workers})
	startEngine(t, e)

	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Both workers fill up; the extra job waits its turn.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == workers
	}, testWait, 5*time.Millisecond)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workers, stats.Running)
	assert.Equal(t, 1, stats.Pending)

	close(release)
	requireDrained(t, e)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
	for _, id := range ids {
		status, err := e.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateSucceeded, status.State)
	}
}

func TestEngineAttemptsNeverOverlapPerJob(t *testing.T) {
	var inFlight int32
	work := func(_ context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			return nil, fault.System("overlapping attempts detected", nil)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, fault.Network("retry me", nil)
	}

	e, _ := newTestEngine(t, Options{Work: work, Workers: 4})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams, MaxAttempts: 3})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
	require.NotNil(t, status.LastError)
	assert.Equal(t, string(fault.CategoryNetwork), status.LastError.Category,
		"a system fault here means two attempts ran concurrently")
}

func TestEngineDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	work := func(_ context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
		<-release
		return nil, nil
	}
	e, _ := newTestEngine(t, Options{Work: work, Workers: 1})
	startEngine(t, e)

	_, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)

	assert.False(t, e.Drain(20*time.Millisecond))
	close(release)
	requireDrained(t, e)
}

func TestEngineRecoversPendingJobsOnStart(t *testing.T) {
	work := &scriptedWork{}
	store := data.NewMemoryStore()
	orphan := &model.Job{
		ID:          "orphan-1",
		Params:      testParams,
		State:       model.JobStatePending,
		MaxAttempts: model.DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), orphan))

	e, _ := newTestEngine(t, Options{Store: store, Work: work.fn})
	startEngine(t, e)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, status.State)
	assert.Equal(t, 1, work.callCount())
}

func TestEnginePersistFailureDoesNotAffectJobState(t *testing.T) {
	work := &scriptedWork{}
	persister := &persistRecorder{err: errors.New("prospects table unavailable")}
	e, _ := newTestEngine(t, Options{Work: work.fn, Persister: persister})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSucceeded, status.State)
	assert.Equal(t, []string{id}, persister.jobIDs())
}

func TestEngineRecoversFromWorkPanic(t *testing.T) {
	work := func(_ context.Context, _ json.RawMessage) (*model.ResultSummary, error) {
		panic("selector blew up")
	}
	e, _ := newTestEngine(t, Options{Work: work})
	startEngine(t, e)

	id, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	status, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, status.State)
	require.NotNil(t, status.LastError)
	assert.Equal(t, string(fault.CategorySystem), status.LastError.Category)
	assert.Contains(t, status.LastError.Message, "panic")
}

func TestEngineStats(t *testing.T) {
	work := &scriptedWork{errs: []error{fault.DataValidation("bad row", nil)}}
	// One worker keeps dequeue order deterministic: the first submission
	// takes the scripted failure.
	e, _ := newTestEngine(t, Options{Work: work.fn, Workers: 1})
	startEngine(t, e)

	failedID, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	okID, err := e.Submit(context.Background(), &model.SubmitRequest{Params: testParams})
	require.NoError(t, err)
	requireDrained(t, e)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed, "job %s should have failed", failedID)
	assert.Equal(t, 1, stats.Succeeded, "job %s should have succeeded", okID)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Running)
}
