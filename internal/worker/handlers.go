package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
)

// DatasetSource provides the rows behind a data export. The production
// wiring reads project records; tests substitute a fixed dataset.
type DatasetSource interface {
	Fetch(ctx context.Context, projectID, exportType string) (*Dataset, error)
}

// RetentionStore is the slice of the record store the cleanup handler
// drives.
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// QueueCleaner prunes terminal queue entries older than a grace period.
type QueueCleaner interface {
	Clean(ctx context.Context, t jobs.Type, grace time.Duration) (int, error)
}

// HandlersConfig wires the dependencies the job handlers need.
type HandlersConfig struct {
	Logger    *slog.Logger
	Source    DatasetSource
	Retention RetentionStore
	Cleaner   QueueCleaner

	// StepDelay is the simulated duration of each unit of handler work.
	// Zero keeps the production default; tests set it to something tiny.
	StepDelay time.Duration

	// Clock overrides time.Now for deterministic timestamps in tests.
	Clock func() time.Time
}

// Handlers executes every supported job type. It implements Executor.
type Handlers struct {
	logger    *slog.Logger
	source    DatasetSource
	retention RetentionStore
	cleaner   QueueCleaner
	stepDelay time.Duration
	now       func() time.Time
}

// NewHandlers builds the handler set. Source defaults to the simulated
// project dataset when nil.
func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		logger:    cfg.Logger,
		source:    cfg.Source,
		retention: cfg.Retention,
		cleaner:   cfg.Cleaner,
		stepDelay: cfg.StepDelay,
		now:       cfg.Clock,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.source == nil {
		h.source = &simulatedSource{now: cfg.Clock}
	}
	if h.stepDelay == 0 {
		h.stepDelay = 500 * time.Millisecond
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Execute unwraps the envelope and dispatches on the entry's job type.
func (h *Handlers) Execute(ctx context.Context, entry *queue.Entry, progress ProgressFunc) (json.RawMessage, error) {
	var env jobs.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return nil, jobs.NewExecutionError("malformed job envelope", err)
	}

	switch entry.Type {
	case jobs.TypeCodeExecution:
		return h.executeCode(ctx, &env, progress)
	case jobs.TypeFileProcessing:
		return h.processFile(ctx, &env, progress)
	case jobs.TypeDataExport:
		return h.exportData(ctx, &env, progress)
	case jobs.TypeEmailNotification:
		return h.sendEmail(ctx, &env, progress)
	case jobs.TypeCleanup:
		return h.runCleanup(ctx, &env, progress)
	default:
		return nil, jobs.NewExecutionError(fmt.Sprintf("unsupported job type: %s", entry.Type), nil)
	}
}

// step simulates one unit of handler work, honoring cancellation.
func (h *Handlers) step(ctx context.Context) error {
	select {
	case <-time.After(h.stepDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}
