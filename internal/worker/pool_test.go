package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

type stubQueue struct {
	mu        sync.Mutex
	entries   []*queue.Entry
	completed map[string]json.RawMessage
	failed    map[string]string
	discarded map[string]string
	progress  map[string][]int
	retrying  bool
}

func newStubQueue(entries ...*queue.Entry) *stubQueue {
	return &stubQueue{
		entries:   entries,
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]string),
		discarded: make(map[string]string),
		progress:  make(map[string][]int),
	}
}

func (q *stubQueue) Claim(context.Context, jobs.Type) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, nil
}

func (q *stubQueue) Complete(_ context.Context, _ jobs.Type, jobID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[jobID] = result
	return nil
}

func (q *stubQueue) Fail(_ context.Context, _ jobs.Type, jobID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[jobID] = reason
	return q.retrying, nil
}

func (q *stubQueue) Discard(_ context.Context, _ jobs.Type, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded[jobID] = reason
	return nil
}

func (q *stubQueue) ReportProgress(_ context.Context, _ jobs.Type, jobID string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[jobID] = append(q.progress[jobID], percent)
	return nil
}

func (q *stubQueue) Touch(context.Context, jobs.Type, string) error { return nil }

type statusCall struct {
	JobID  string
	Status jobs.Status
	Upd    records.StatusUpdate
}

type stubStore struct {
	mu    sync.Mutex
	calls []statusCall
	err   error
}

func (s *stubStore) UpdateStatus(_ context.Context, jobID string, status jobs.Status, upd records.StatusUpdate) (*records.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, statusCall{JobID: jobID, Status: status, Upd: upd})
	return &records.Record{JobID: jobID, Status: status}, nil
}

type stubExecutor struct {
	fn func(ctx context.Context, entry *queue.Entry, progress ProgressFunc) (json.RawMessage, error)
}

func (e *stubExecutor) Execute(ctx context.Context, entry *queue.Entry, progress ProgressFunc) (json.RawMessage, error) {
	return e.fn(ctx, entry, progress)
}

func newTestPool(q jobQueue, s recordStore, exec Executor, timing Timing) *Pool {
	return NewPool(PoolConfig{
		JobType:     jobs.TypeCodeExecution,
		Queue:       q,
		Store:       s,
		Executor:    exec,
		Concurrency: 1,
		Timing:      timing,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func claimedEntry() *queue.Entry {
	return &queue.Entry{
		JobID:        "job-1",
		Type:         jobs.TypeCodeExecution,
		AttemptsMade: 1,
		MaxAttempts:  3,
	}
}

func TestProcessEntrySuccess(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{}
	result := json.RawMessage(`{"exitCode":0}`)
	exec := &stubExecutor{fn: func(_ context.Context, _ *queue.Entry, progress ProgressFunc) (json.RawMessage, error) {
		progress(10)
		progress(90)
		return result, nil
	}}
	p := newTestPool(q, s, exec, Timing{})

	p.processEntry(context.Background(), "w0", claimedEntry())

	require.Len(t, s.calls, 2)
	assert.Equal(t, jobs.StatusProcessing, s.calls[0].Status)
	require.NotNil(t, s.calls[0].Upd.RetryCount)
	assert.Equal(t, 1, *s.calls[0].Upd.RetryCount)
	assert.Equal(t, jobs.StatusCompleted, s.calls[1].Status)
	assert.Equal(t, []byte(result), s.calls[1].Upd.Result)

	assert.Equal(t, result, q.completed["job-1"])
	assert.Equal(t, []int{10, 90}, q.progress["job-1"])
	assert.Empty(t, q.failed)
}

func TestProcessEntryFailure(t *testing.T) {
	q := newStubQueue()
	q.retrying = true
	s := &stubStore{}
	exec := &stubExecutor{fn: func(context.Context, *queue.Entry, ProgressFunc) (json.RawMessage, error) {
		return nil, jobs.NewExecutionError("sandbox crashed", nil)
	}}
	p := newTestPool(q, s, exec, Timing{})

	p.processEntry(context.Background(), "w0", claimedEntry())

	require.Len(t, s.calls, 2)
	assert.Equal(t, jobs.StatusFailed, s.calls[1].Status)
	assert.Contains(t, s.calls[1].Upd.ErrorMessage, "sandbox crashed")
	require.NotNil(t, s.calls[1].Upd.RetryCount)
	assert.Equal(t, 1, *s.calls[1].Upd.RetryCount)

	assert.Contains(t, q.failed["job-1"], "sandbox crashed")
	assert.Empty(t, q.completed)
}

func TestProcessEntryContainsPanic(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{}
	exec := &stubExecutor{fn: func(context.Context, *queue.Entry, ProgressFunc) (json.RawMessage, error) {
		panic("nil map write")
	}}
	p := newTestPool(q, s, exec, Timing{})

	require.NotPanics(t, func() {
		p.processEntry(context.Background(), "w0", claimedEntry())
	})
	assert.Contains(t, q.failed["job-1"], "handler panic: nil map write")
}

func TestProcessEntryDiscardsOrphan(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{err: jobs.ErrNotFound}
	executed := false
	exec := &stubExecutor{fn: func(context.Context, *queue.Entry, ProgressFunc) (json.RawMessage, error) {
		executed = true
		return nil, nil
	}}
	p := newTestPool(q, s, exec, Timing{})

	p.processEntry(context.Background(), "w0", claimedEntry())

	assert.False(t, executed)
	assert.Equal(t, "no matching job record", q.discarded["job-1"])
	assert.Empty(t, q.failed)
}

func TestProcessEntryFailsWhenStoreUnavailable(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{err: errors.New("connection refused")}
	executed := false
	exec := &stubExecutor{fn: func(context.Context, *queue.Entry, ProgressFunc) (json.RawMessage, error) {
		executed = true
		return nil, nil
	}}
	p := newTestPool(q, s, exec, Timing{})

	p.processEntry(context.Background(), "w0", claimedEntry())

	assert.False(t, executed)
	assert.Contains(t, q.failed["job-1"], "record store unavailable")
	assert.Empty(t, q.discarded)
}

func TestProcessEntryEnforcesJobTimeout(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{}
	exec := &stubExecutor{fn: func(ctx context.Context, _ *queue.Entry, _ ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, jobs.NewExecutionError("execution canceled", ctx.Err())
	}}
	p := newTestPool(q, s, exec, Timing{JobTimeout: 10 * time.Millisecond})

	p.processEntry(context.Background(), "w0", claimedEntry())

	assert.Contains(t, q.failed["job-1"], "execution canceled")
}

func TestProgressReporterClampsRegressions(t *testing.T) {
	q := newStubQueue()
	s := &stubStore{}
	exec := &stubExecutor{fn: func(_ context.Context, _ *queue.Entry, progress ProgressFunc) (json.RawMessage, error) {
		progress(50)
		progress(30)
		progress(50)
		progress(80)
		return json.RawMessage(`{}`), nil
	}}
	p := newTestPool(q, s, exec, Timing{})

	p.processEntry(context.Background(), "w0", claimedEntry())

	assert.Equal(t, []int{50, 80}, q.progress["job-1"])
}

func TestPoolDrainsInFlightOnStop(t *testing.T) {
	q := newStubQueue(claimedEntry())
	s := &stubStore{}
	exec := &stubExecutor{fn: func(context.Context, *queue.Entry, ProgressFunc) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}}
	p := newTestPool(q, s, exec, Timing{PollInterval: 5 * time.Millisecond})

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.completed) == 1
	}, time.Second, 5*time.Millisecond)
	p.Stop()

	assert.Contains(t, q.completed, "job-1")
}
