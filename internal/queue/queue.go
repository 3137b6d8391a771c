package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hqtran/collabhub/internal/jobs"
)

// priorityBand separates priority classes in the waiting-set score. Within
// a band, the enqueue sequence number keeps FIFO order.
const priorityBand = float64(1 << 40)

// promoteBatch bounds how many delayed/stalled entries one maintenance
// pass moves.
const promoteBatch = 200

// Options tunes queue lifecycle behavior shared by all job types.
type Options struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	VisibilityTimeout time.Duration

	// RetentionGrace is how long terminal entries linger before the
	// maintenance loop prunes them.
	RetentionGrace time.Duration
}

// Queue is a durable per-type job queue on Redis. Each type owns a waiting
// set (scored by priority+sequence), a delayed set (scored by ready time),
// an active set (scored by claim deadline), and terminal completed/failed
// sets scored by finish time. Job state lives in a hash per entry.
type Queue struct {
	rdb    *redis.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue on an existing Redis client.
func New(rdb *redis.Client, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.RetentionGrace <= 0 {
		opts.RetentionGrace = 24 * time.Hour
	}
	return &Queue{
		rdb:    rdb,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the queue's clock. Maintenance and scheduling read
// time only through it.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func waitingKey(t jobs.Type) string   { return "queue:" + string(t) + ":waiting" }
func delayedKey(t jobs.Type) string   { return "queue:" + string(t) + ":delayed" }
func activeKey(t jobs.Type) string    { return "queue:" + string(t) + ":active" }
func completedKey(t jobs.Type) string { return "queue:" + string(t) + ":completed" }
func failedKey(t jobs.Type) string    { return "queue:" + string(t) + ":failed" }
func seqKey(t jobs.Type) string       { return "queue:" + string(t) + ":seq" }
func jobPrefix(t jobs.Type) string    { return "queue:" + string(t) + ":job:" }
func jobKey(t jobs.Type, id string) string {
	return jobPrefix(t) + id
}

// EnqueueOptions customizes a single submission.
type EnqueueOptions struct {
	JobID       string
	Priority    jobs.Priority
	Delay       time.Duration
	MaxAttempts int
}

// Entry is a claimed queue entry handed to a worker. AttemptsMade counts
// this delivery.
type Entry struct {
	JobID        string
	Type         jobs.Type
	Payload      []byte
	Priority     jobs.Priority
	AttemptsMade int
	MaxAttempts  int
}

// JobStatus is the live view of one entry.
type JobStatus struct {
	JobID        string
	Type         jobs.Type
	Status       jobs.Status
	Progress     int
	Result       []byte
	FailedReason string
	AttemptsMade int
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Stats reports per-state entry counts for one type.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Enqueue adds one job to a type's queue. Enqueueing a job id that already
// exists in the same type's queue is a no-op, so submission-side retries
// are safe.
func (q *Queue) Enqueue(ctx context.Context, t jobs.Type, payload []byte, opts EnqueueOptions) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	key := jobKey(t, jobID)

	created, err := q.rdb.HSetNX(ctx, key, "id", jobID).Result()
	if err != nil {
		return "", jobs.NewTransientError(fmt.Errorf("enqueue %s: %w", jobID, err))
	}
	if !created {
		q.logger.Debug("Duplicate enqueue ignored",
			slog.String("job_id", jobID),
			slog.String("job_type", string(t)),
		)
		return jobID, nil
	}

	seq, err := q.rdb.Incr(ctx, seqKey(t)).Result()
	if err != nil {
		return "", jobs.NewTransientError(fmt.Errorf("enqueue %s: %w", jobID, err))
	}
	score := float64(opts.Priority)*priorityBand + float64(seq)
	now := q.now()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"type", string(t),
		"payload", payload,
		"priority", int(opts.Priority),
		"score", score,
		"attempts", 0,
		"max_attempts", maxAttempts,
		"status", string(jobs.StatusPending),
		"progress", 0,
		"created_at", now.UnixMilli(),
	)
	if opts.Delay > 0 {
		readyAt := now.Add(opts.Delay)
		pipe.HSet(ctx, key, "ready_at", readyAt.UnixMilli())
		pipe.ZAdd(ctx, delayedKey(t), redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, waitingKey(t), redis.Z{Score: score, Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", jobs.NewTransientError(fmt.Errorf("enqueue %s: %w", jobID, err))
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", string(t)),
		slog.String("priority", opts.Priority.String()),
		slog.Duration("delay", opts.Delay),
	)

	return jobID, nil
}

// claimScript atomically pops the best waiting entry, skips entries whose
// cancellation landed before the claim, moves the winner to the active set
// with a visibility deadline, and counts the attempt.
var claimScript = redis.NewScript(`
local waiting = KEYS[1]
local active = KEYS[2]
local prefix = ARGV[1]
local deadline = ARGV[2]
while true do
  local popped = redis.call('ZPOPMIN', waiting)
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = prefix .. id
  local status = redis.call('HGET', key, 'status')
  if status and status ~= 'cancelled' then
    redis.call('ZADD', active, deadline, id)
    redis.call('HSET', key, 'status', 'processing')
    redis.call('HINCRBY', key, 'attempts', 1)
    return id
  end
end
`)

// Claim pops the highest-priority eligible entry, or returns (nil, nil)
// when the queue is empty. The claimed entry must be resolved with
// Complete, Fail, or Discard before its visibility deadline, or
// RecoverStalled will hand it to another worker.
func (q *Queue) Claim(ctx context.Context, t jobs.Type) (*Entry, error) {
	deadline := q.now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{waitingKey(t), activeKey(t)},
		jobPrefix(t), deadline,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, jobs.NewTransientError(fmt.Errorf("claim: %w", err))
	}

	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	fields, err := q.rdb.HGetAll(ctx, jobKey(t, jobID)).Result()
	if err != nil {
		return nil, jobs.NewTransientError(fmt.Errorf("claim %s: %w", jobID, err))
	}

	entry := &Entry{
		JobID:        jobID,
		Type:         t,
		Payload:      []byte(fields["payload"]),
		Priority:     jobs.Priority(atoi(fields["priority"])),
		AttemptsMade: atoi(fields["attempts"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
	}
	return entry, nil
}

// Complete resolves a claimed entry as succeeded and stores its result.
func (q *Queue) Complete(ctx context.Context, t jobs.Type, jobID string, result []byte) error {
	now := q.now().UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(t), jobID)
	pipe.ZAdd(ctx, completedKey(t), redis.Z{Score: float64(now), Member: jobID})
	pipe.HSet(ctx, jobKey(t, jobID),
		"status", string(jobs.StatusCompleted),
		"progress", 100,
		"result", result,
		"finished_at", now,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.NewTransientError(fmt.Errorf("complete %s: %w", jobID, err))
	}
	return nil
}

// Fail resolves a claimed entry as failed for this attempt. While attempts
// remain, the entry is rescheduled with exponential backoff and the method
// reports retrying=true; otherwise it lands in the failed set and stays
// there until a manual Retry.
func (q *Queue) Fail(ctx context.Context, t jobs.Type, jobID, reason string) (retrying bool, err error) {
	vals, err := q.rdb.HMGet(ctx, jobKey(t, jobID), "attempts", "max_attempts", "score").Result()
	if err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("fail %s: %w", jobID, err))
	}
	attempts := atoi(asString(vals[0]))
	maxAttempts := atoi(asString(vals[1]))

	if attempts >= maxAttempts {
		if err := q.markFailed(ctx, t, jobID, reason); err != nil {
			return false, err
		}
		q.logger.Warn("Job exhausted attempts",
			slog.String("job_id", jobID),
			slog.String("job_type", string(t)),
			slog.Int("attempts", attempts),
		)
		return false, nil
	}

	backoff := jobs.Backoff(q.opts.BackoffBase, q.opts.BackoffCap, attempts-1)
	readyAt := q.now().Add(backoff).UnixMilli()

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(t), jobID)
	pipe.ZAdd(ctx, delayedKey(t), redis.Z{Score: float64(readyAt), Member: jobID})
	pipe.HSet(ctx, jobKey(t, jobID),
		"status", string(jobs.StatusRetrying),
		"failed_reason", reason,
		"ready_at", readyAt,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("fail %s: %w", jobID, err))
	}

	q.logger.Info("Job scheduled for retry",
		slog.String("job_id", jobID),
		slog.String("job_type", string(t)),
		slog.Int("attempt", attempts),
		slog.Duration("backoff", backoff),
	)
	return true, nil
}

// Discard resolves a claimed entry as permanently failed regardless of
// remaining attempts. Used when retrying cannot help, e.g. a queue entry
// with no matching job record.
func (q *Queue) Discard(ctx context.Context, t jobs.Type, jobID, reason string) error {
	return q.markFailed(ctx, t, jobID, reason)
}

func (q *Queue) markFailed(ctx context.Context, t jobs.Type, jobID, reason string) error {
	now := q.now().UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(t), jobID)
	pipe.ZAdd(ctx, failedKey(t), redis.Z{Score: float64(now), Member: jobID})
	pipe.HSet(ctx, jobKey(t, jobID),
		"status", string(jobs.StatusFailed),
		"failed_reason", reason,
		"finished_at", now,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.NewTransientError(fmt.Errorf("mark failed %s: %w", jobID, err))
	}
	return nil
}

// ReportProgress stores a 0-100 progress value for a claimed entry.
func (q *Queue) ReportProgress(ctx context.Context, t jobs.Type, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := q.rdb.HSet(ctx, jobKey(t, jobID), "progress", percent).Err(); err != nil {
		return jobs.NewTransientError(fmt.Errorf("progress %s: %w", jobID, err))
	}
	return nil
}

// Touch extends a claimed entry's visibility deadline. Workers call this
// as a heartbeat during long executions.
func (q *Queue) Touch(ctx context.Context, t jobs.Type, jobID string) error {
	deadline := float64(q.now().Add(q.opts.VisibilityTimeout).UnixMilli())
	err := q.rdb.ZAddArgs(ctx, activeKey(t), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: deadline, Member: jobID}},
	}).Err()
	if err != nil {
		return jobs.NewTransientError(fmt.Errorf("touch %s: %w", jobID, err))
	}
	return nil
}

// Remove cancels an entry: it is pulled out of every live set and its hash
// is marked cancelled so a concurrent claim skips it. The hash is kept so
// a worker already executing the job can still resolve it. Reports whether
// the entry existed.
func (q *Queue) Remove(ctx context.Context, t jobs.Type, jobID string) (bool, error) {
	exists, err := q.rdb.Exists(ctx, jobKey(t, jobID)).Result()
	if err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("remove %s: %w", jobID, err))
	}
	if exists == 0 {
		return false, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, waitingKey(t), jobID)
	pipe.ZRem(ctx, delayedKey(t), jobID)
	pipe.ZRem(ctx, activeKey(t), jobID)
	pipe.ZRem(ctx, failedKey(t), jobID)
	pipe.ZRem(ctx, completedKey(t), jobID)
	pipe.HSet(ctx, jobKey(t, jobID), "status", string(jobs.StatusCancelled))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("remove %s: %w", jobID, err))
	}

	q.logger.Info("Job removed from queue",
		slog.String("job_id", jobID),
		slog.String("job_type", string(t)),
	)
	return true, nil
}

// Retry requeues an entry that sits in the failed set with a fresh attempt
// budget. Reports whether the entry was in a failed state.
func (q *Queue) Retry(ctx context.Context, t jobs.Type, jobID string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, failedKey(t), jobID).Result()
	if err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("retry %s: %w", jobID, err))
	}
	if removed == 0 {
		return false, nil
	}

	score, err := q.rdb.HGet(ctx, jobKey(t, jobID), "score").Float64()
	if err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("retry %s: %w", jobID, err))
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(t, jobID),
		"status", string(jobs.StatusPending),
		"attempts", 0,
		"failed_reason", "",
	)
	pipe.ZAdd(ctx, waitingKey(t), redis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, jobs.NewTransientError(fmt.Errorf("retry %s: %w", jobID, err))
	}

	q.logger.Info("Job manually retried",
		slog.String("job_id", jobID),
		slog.String("job_type", string(t)),
	)
	return true, nil
}

// Status returns the live state of an entry.
func (q *Queue) Status(ctx context.Context, t jobs.Type, jobID string) (*JobStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(t, jobID)).Result()
	if err != nil {
		return nil, jobs.NewTransientError(fmt.Errorf("status %s: %w", jobID, err))
	}
	if len(fields) == 0 {
		return nil, jobs.ErrNotFound
	}

	st := &JobStatus{
		JobID:        jobID,
		Type:         t,
		Status:       jobs.Status(fields["status"]),
		Progress:     atoi(fields["progress"]),
		FailedReason: fields["failed_reason"],
		AttemptsMade: atoi(fields["attempts"]),
	}
	if v := fields["result"]; v != "" {
		st.Result = []byte(v)
	}
	if v := fields["created_at"]; v != "" {
		st.CreatedAt = time.UnixMilli(int64(atoi(v)))
	}
	if v := fields["finished_at"]; v != "" {
		st.FinishedAt = time.UnixMilli(int64(atoi(v)))
	}
	return st, nil
}

// Stats counts entries per state for one type.
func (q *Queue) Stats(ctx context.Context, t jobs.Type) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, waitingKey(t))
	active := pipe.ZCard(ctx, activeKey(t))
	delayed := pipe.ZCard(ctx, delayedKey(t))
	completed := pipe.ZCard(ctx, completedKey(t))
	failed := pipe.ZCard(ctx, failedKey(t))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, jobs.NewTransientError(fmt.Errorf("stats: %w", err))
	}

	s := &Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	s.Total = s.Waiting + s.Active + s.Delayed + s.Completed + s.Failed
	return s, nil
}

// PromoteDelayed moves entries whose delay has elapsed into the waiting
// set with their original priority score.
func (q *Queue) PromoteDelayed(ctx context.Context, t jobs.Type) (int, error) {
	now := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(t), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, jobs.NewTransientError(fmt.Errorf("promote delayed: %w", err))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		score, err := q.rdb.HGet(ctx, jobKey(t, id), "score").Float64()
		if err != nil {
			// Hash gone (cleaned or cancelled): drop the orphan entry.
			q.rdb.ZRem(ctx, delayedKey(t), id)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZAdd(ctx, waitingKey(t), redis.Z{Score: score, Member: id})
		pipe.ZRem(ctx, delayedKey(t), id)
		pipe.HSet(ctx, jobKey(t, id), "status", string(jobs.StatusPending))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, jobs.NewTransientError(fmt.Errorf("promote delayed: %w", err))
		}
	}
	return len(ids), nil
}

// RecoverStalled returns claimed-but-unacknowledged entries whose
// visibility deadline passed to the waiting set. Entries that already
// burned their attempt budget go to the failed set instead.
func (q *Queue) RecoverStalled(ctx context.Context, t jobs.Type) (int, error) {
	now := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, activeKey(t), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, jobs.NewTransientError(fmt.Errorf("recover stalled: %w", err))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	recovered := 0
	for _, id := range ids {
		vals, err := q.rdb.HMGet(ctx, jobKey(t, id), "score", "attempts", "max_attempts").Result()
		if err != nil {
			continue
		}
		attempts := atoi(asString(vals[1]))
		maxAttempts := atoi(asString(vals[2]))
		if attempts >= maxAttempts {
			if err := q.markFailed(ctx, t, id, "stalled: visibility timeout exceeded"); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}

		score := atofloat(asString(vals[0]))
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, activeKey(t), id)
		pipe.ZAdd(ctx, waitingKey(t), redis.Z{Score: score, Member: id})
		pipe.HSet(ctx, jobKey(t, id), "status", string(jobs.StatusPending))
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, jobs.NewTransientError(fmt.Errorf("recover stalled: %w", err))
		}
		recovered++

		q.logger.Warn("Stalled job returned to waiting set",
			slog.String("job_id", id),
			slog.String("job_type", string(t)),
			slog.Int("attempts", attempts),
		)
	}
	return recovered, nil
}

// Clean drops terminal entries older than grace, hash included. The
// durable job record is unaffected.
func (q *Queue) Clean(ctx context.Context, t jobs.Type, grace time.Duration) (int, error) {
	cutoff := strconv.FormatInt(q.now().Add(-grace).UnixMilli(), 10)
	cleaned := 0

	for _, set := range []string{completedKey(t), failedKey(t)} {
		ids, err := q.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return cleaned, jobs.NewTransientError(fmt.Errorf("clean: %w", err))
		}
		if len(ids) == 0 {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, set, toAnySlice(ids)...)
		for _, id := range ids {
			pipe.Del(ctx, jobKey(t, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return cleaned, jobs.NewTransientError(fmt.Errorf("clean: %w", err))
		}
		cleaned += len(ids)
	}
	return cleaned, nil
}

// StartMaintenance runs the delayed-promotion, stalled-recovery and
// terminal-pruning loops for every job type until ctx is cancelled.
func (q *Queue) StartMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, t := range jobs.AllTypes() {
					if _, err := q.PromoteDelayed(ctx, t); err != nil {
						q.logger.Error("Delayed promotion failed",
							slog.String("job_type", string(t)),
							slog.Any("error", err),
						)
					}
					if _, err := q.RecoverStalled(ctx, t); err != nil {
						q.logger.Error("Stalled recovery failed",
							slog.String("job_type", string(t)),
							slog.Any("error", err),
						)
					}
					if _, err := q.Clean(ctx, t, q.opts.RetentionGrace); err != nil {
						q.logger.Error("Terminal pruning failed",
							slog.String("job_type", string(t)),
							slog.Any("error", err),
						)
					}
				}
			}
		}
	}()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atofloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
