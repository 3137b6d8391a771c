package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

// ProgressFunc reports handler progress as a 0-100 percentage. The worker
// pool keeps reported values monotonically non-decreasing.
type ProgressFunc func(percent int)

// Executor runs the type-specific handler for a claimed entry.
type Executor interface {
	Execute(ctx context.Context, entry *queue.Entry, progress ProgressFunc) (json.RawMessage, error)
}

// jobQueue is the slice of the queue contract the pool needs: claim,
// resolve, report. Retry policy stays inside the queue.
type jobQueue interface {
	Claim(ctx context.Context, t jobs.Type) (*queue.Entry, error)
	Complete(ctx context.Context, t jobs.Type, jobID string, result []byte) error
	Fail(ctx context.Context, t jobs.Type, jobID, reason string) (bool, error)
	Discard(ctx context.Context, t jobs.Type, jobID, reason string) error
	ReportProgress(ctx context.Context, t jobs.Type, jobID string, percent int) error
	Touch(ctx context.Context, t jobs.Type, jobID string) error
}

// recordStore is the slice of the record-store contract the pool drives.
// Handlers never touch it; all status persistence flows through the pool.
type recordStore interface {
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, upd records.StatusUpdate) (*records.Record, error)
}

// Timing groups the pool's scheduling knobs.
type Timing struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
}
