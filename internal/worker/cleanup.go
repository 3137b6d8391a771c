package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hqtran/collabhub/internal/jobs"
)

const defaultCleanupDays = 30

type cleanupResult struct {
	DeletedRecords int64 `json:"deletedRecords"`
	PrunedEntries  int   `json:"prunedEntries"`
}

// runCleanup removes terminal job records and queue entries older than
// the requested age. It degrades gracefully when one of the backends is
// not wired.
func (h *Handlers) runCleanup(ctx context.Context, env *jobs.Envelope, progress ProgressFunc) (json.RawMessage, error) {
	var p jobs.CleanupPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, jobs.NewExecutionError("malformed cleanup payload", err)
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = defaultCleanupDays
	}
	age := time.Duration(days) * 24 * time.Hour

	progress(10)

	var result cleanupResult

	if h.retention != nil {
		deleted, err := h.retention.DeleteOlderThan(ctx, age)
		if err != nil {
			return nil, jobs.NewTransientError(err)
		}
		result.DeletedRecords = deleted
	}
	progress(50)

	if h.cleaner != nil {
		for _, t := range jobs.AllTypes() {
			pruned, err := h.cleaner.Clean(ctx, t, age)
			if err != nil {
				return nil, jobs.NewTransientError(err)
			}
			result.PrunedEntries += pruned
		}
	}
	progress(100)

	h.logger.Info("cleanup finished",
		slog.Int("older_than_days", days),
		slog.Int64("deleted_records", result.DeletedRecords),
		slog.Int("pruned_entries", result.PrunedEntries),
	)

	return marshalResult(result)
}
