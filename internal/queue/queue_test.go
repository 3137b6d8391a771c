package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqtran/collabhub/internal/jobs"
)

func testQueue(t *testing.T, opts Options) (*Queue, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := New(rdb, opts, logger).WithClock(func() time.Time { return now })
	return q, &now
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, jobs.TypeCodeExecution, []byte(`{"a":1}`), EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	// Same id again must not create a second entry.
	id, err = q.Enqueue(ctx, jobs.TypeCodeExecution, []byte(`{"a":2}`), EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	stats, err := q.Stats(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Total)
}

func TestClaimHonorsPriorityThenFIFO(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "low", Priority: jobs.PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "normal-1", Priority: jobs.PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "high", Priority: jobs.PriorityHigh})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "normal-2", Priority: jobs.PriorityNormal})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		entry, err := q.Claim(ctx, jobs.TypeDataExport)
		require.NoError(t, err)
		require.NotNil(t, entry)
		order = append(order, entry.JobID)
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)

	entry, err := q.Claim(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestClaimCountsAttempts(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeCleanup, []byte(`{}`), EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)

	entry, err := q.Claim(ctx, jobs.TypeCleanup)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.AttemptsMade)
	assert.Equal(t, 3, entry.MaxAttempts)

	st, err := q.Status(ctx, jobs.TypeCleanup, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, st.Status)
}

func TestDelayedEntryIsInvisibleUntilPromoted(t *testing.T) {
	q, now := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeEmailNotification, []byte(`{}`), EnqueueOptions{
		JobID: "later",
		Delay: 5 * time.Second,
	})
	require.NoError(t, err)

	entry, err := q.Claim(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Too early: nothing to promote.
	n, err := q.PromoteDelayed(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(6 * time.Second)
	n, err = q.PromoteDelayed(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err = q.Claim(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "later", entry.JobID)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q, now := testQueue(t, Options{BackoffBase: 2 * time.Second, BackoffCap: 60 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeFileProcessing, []byte(`{}`), EnqueueOptions{JobID: "flaky"})
	require.NoError(t, err)

	entry, err := q.Claim(ctx, jobs.TypeFileProcessing)
	require.NoError(t, err)
	require.NotNil(t, entry)

	retrying, err := q.Fail(ctx, jobs.TypeFileProcessing, "flaky", "boom")
	require.NoError(t, err)
	assert.True(t, retrying)

	st, err := q.Status(ctx, jobs.TypeFileProcessing, "flaky")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRetrying, st.Status)
	assert.Equal(t, "boom", st.FailedReason)

	// First retry waits the base backoff.
	*now = now.Add(1 * time.Second)
	n, err := q.PromoteDelayed(ctx, jobs.TypeFileProcessing)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(2 * time.Second)
	n, err = q.PromoteDelayed(ctx, jobs.TypeFileProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err = q.Claim(ctx, jobs.TypeFileProcessing)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.AttemptsMade)
}

func TestFailExhaustsAttemptBudget(t *testing.T) {
	q, now := testQueue(t, Options{MaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeCodeExecution, []byte(`{}`), EnqueueOptions{JobID: "doomed"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		entry, err := q.Claim(ctx, jobs.TypeCodeExecution)
		require.NoError(t, err)
		require.NotNil(t, entry, "attempt %d", attempt)
		assert.Equal(t, attempt, entry.AttemptsMade)

		retrying, err := q.Fail(ctx, jobs.TypeCodeExecution, "doomed", "still broken")
		require.NoError(t, err)
		if attempt < 2 {
			assert.True(t, retrying)
			*now = now.Add(time.Minute)
			_, err = q.PromoteDelayed(ctx, jobs.TypeCodeExecution)
			require.NoError(t, err)
		} else {
			assert.False(t, retrying)
		}
	}

	st, err := q.Status(ctx, jobs.TypeCodeExecution, "doomed")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, st.Status)
	assert.Equal(t, 2, st.AttemptsMade)

	stats, err := q.Stats(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRecoverStalledReturnsEntryToWaiting(t *testing.T) {
	q, now := testQueue(t, Options{VisibilityTimeout: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "stuck"})
	require.NoError(t, err)

	entry, err := q.Claim(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Deadline not reached yet.
	n, err := q.RecoverStalled(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(31 * time.Second)
	n, err = q.RecoverStalled(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err = q.Claim(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "stuck", entry.JobID)
	assert.Equal(t, 2, entry.AttemptsMade)
}

func TestRecoverStalledFailsExhaustedEntry(t *testing.T) {
	q, now := testQueue(t, Options{MaxAttempts: 1, VisibilityTimeout: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeCleanup, []byte(`{}`), EnqueueOptions{JobID: "stuck"})
	require.NoError(t, err)

	_, err = q.Claim(ctx, jobs.TypeCleanup)
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	n, err := q.RecoverStalled(ctx, jobs.TypeCleanup)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := q.Status(ctx, jobs.TypeCleanup, "stuck")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, st.Status)
	assert.Equal(t, "stalled: visibility timeout exceeded", st.FailedReason)
}

func TestTouchExtendsVisibilityDeadline(t *testing.T) {
	q, now := testQueue(t, Options{VisibilityTimeout: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeCodeExecution, []byte(`{}`), EnqueueOptions{JobID: "long"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)

	*now = now.Add(25 * time.Second)
	require.NoError(t, q.Touch(ctx, jobs.TypeCodeExecution, "long"))

	// Past the original deadline but inside the extended one.
	*now = now.Add(10 * time.Second)
	n, err := q.RecoverStalled(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveCancelsAndClaimSkips(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeFileProcessing, []byte(`{}`), EnqueueOptions{JobID: "cancel-me"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, jobs.TypeFileProcessing, []byte(`{}`), EnqueueOptions{JobID: "keep-me"})
	require.NoError(t, err)

	removed, err := q.Remove(ctx, jobs.TypeFileProcessing, "cancel-me")
	require.NoError(t, err)
	assert.True(t, removed)

	st, err := q.Status(ctx, jobs.TypeFileProcessing, "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, st.Status)

	entry, err := q.Claim(ctx, jobs.TypeFileProcessing)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "keep-me", entry.JobID)

	removed, err = q.Remove(ctx, jobs.TypeFileProcessing, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestManualRetryResetsAttemptBudget(t *testing.T) {
	q, _ := testQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "failed-once"})
	require.NoError(t, err)

	_, err = q.Claim(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	retrying, err := q.Fail(ctx, jobs.TypeDataExport, "failed-once", "bad run")
	require.NoError(t, err)
	assert.False(t, retrying)

	requeued, err := q.Retry(ctx, jobs.TypeDataExport, "failed-once")
	require.NoError(t, err)
	assert.True(t, requeued)

	entry, err := q.Claim(ctx, jobs.TypeDataExport)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "failed-once", entry.JobID)
	assert.Equal(t, 1, entry.AttemptsMade)

	// Retrying a job that is not in the failed set reports false.
	requeued, err = q.Retry(ctx, jobs.TypeDataExport, "failed-once")
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestCompleteStoresResult(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeCodeExecution, []byte(`{}`), EnqueueOptions{JobID: "ok"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, jobs.TypeCodeExecution, "ok", []byte(`{"output":"done"}`)))

	st, err := q.Status(ctx, jobs.TypeCodeExecution, "ok")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.JSONEq(t, `{"output":"done"}`, string(st.Result))

	stats, err := q.Stats(ctx, jobs.TypeCodeExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestReportProgressClamps(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeDataExport, []byte(`{}`), EnqueueOptions{JobID: "p"})
	require.NoError(t, err)

	require.NoError(t, q.ReportProgress(ctx, jobs.TypeDataExport, "p", 150))
	st, err := q.Status(ctx, jobs.TypeDataExport, "p")
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)

	require.NoError(t, q.ReportProgress(ctx, jobs.TypeDataExport, "p", -5))
	st, err = q.Status(ctx, jobs.TypeDataExport, "p")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Progress)
}

func TestCleanDropsOldTerminalEntries(t *testing.T) {
	q, now := testQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.TypeEmailNotification, []byte(`{}`), EnqueueOptions{JobID: "old"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, jobs.TypeEmailNotification, "old", nil))

	*now = now.Add(12 * time.Hour)
	_, err = q.Enqueue(ctx, jobs.TypeEmailNotification, []byte(`{}`), EnqueueOptions{JobID: "fresh"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, jobs.TypeEmailNotification)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, jobs.TypeEmailNotification, "fresh", nil))

	*now = now.Add(13 * time.Hour)
	cleaned, err := q.Clean(ctx, jobs.TypeEmailNotification, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = q.Status(ctx, jobs.TypeEmailNotification, "old")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	st, err := q.Status(ctx, jobs.TypeEmailNotification, "fresh")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, st.Status)
}

func TestStatusUnknownJob(t *testing.T) {
	q, _ := testQueue(t, Options{})
	_, err := q.Status(context.Background(), jobs.TypeCleanup, "nope")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}
