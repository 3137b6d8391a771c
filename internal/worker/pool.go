package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

// Pool runs a bounded set of concurrent executions for one job type. Its
// job is strictly claim, execute, report: retry scheduling belongs to the
// queue, persistence to the record store it drives.
type Pool struct {
	jobType     jobs.Type
	queue       jobQueue
	store       recordStore
	exec        Executor
	concurrency int
	timing      Timing
	logger      *slog.Logger
	poolID      string

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// PoolConfig assembles a Pool.
type PoolConfig struct {
	JobType     jobs.Type
	Queue       jobQueue
	Store       recordStore
	Executor    Executor
	Concurrency int
	Timing      Timing
	Logger      *slog.Logger
}

// NewPool creates a pool for one job type.
func NewPool(cfg PoolConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	timing := cfg.Timing
	if timing.PollInterval <= 0 {
		timing.PollInterval = 500 * time.Millisecond
	}
	if timing.HeartbeatInterval <= 0 {
		timing.HeartbeatInterval = 15 * time.Second
	}
	if timing.JobTimeout <= 0 {
		timing.JobTimeout = 30 * time.Second
	}
	return &Pool{
		jobType:     cfg.JobType,
		queue:       cfg.Queue,
		store:       cfg.Store,
		exec:        cfg.Executor,
		concurrency: concurrency,
		timing:      timing,
		logger:      cfg.Logger,
		poolID:      fmt.Sprintf("%s-%s", cfg.JobType, uuid.NewString()[:8]),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker goroutines. It returns immediately; Stop waits
// for in-flight executions to finish.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Spawning worker pool",
		slog.String("job_type", string(p.jobType)),
		slog.Int("concurrency", p.concurrency),
		slog.String("pool_id", p.poolID),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop signals the workers and waits for them.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped",
		slog.String("job_type", string(p.jobType)),
	)
}

// workerLoop claims and processes entries until stopped. An empty queue
// backs off for the poll interval.
func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("%s-%d", p.poolID, workerNum)
	p.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		entry, err := p.queue.Claim(ctx, p.jobType)
		if err != nil {
			p.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			p.sleep(ctx, p.timing.PollInterval)
			continue
		}
		if entry == nil {
			p.sleep(ctx, p.timing.PollInterval)
			continue
		}

		p.processEntry(ctx, workerName, entry)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.stopChan:
	case <-time.After(d):
	}
}

// processEntry executes one claimed entry end to end. Handler panics and
// errors are contained here; the loop itself never dies with a job.
func (p *Pool) processEntry(ctx context.Context, workerName string, entry *queue.Entry) {
	p.logger.Info("Processing job",
		slog.String("worker_name", workerName),
		slog.String("job_id", entry.JobID),
		slog.String("job_type", string(entry.Type)),
		slog.Int("attempt", entry.AttemptsMade),
	)

	retryCount := entry.AttemptsMade
	if _, err := p.store.UpdateStatus(ctx, entry.JobID, jobs.StatusProcessing, records.StatusUpdate{RetryCount: &retryCount}); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// Queue entry without a record: a submission-side consistency
			// defect. Log and discard, never crash the pool.
			p.logger.Error("Queue entry has no job record, discarding",
				slog.String("job_id", entry.JobID),
				slog.String("job_type", string(entry.Type)),
			)
			if derr := p.queue.Discard(ctx, entry.Type, entry.JobID, "no matching job record"); derr != nil {
				p.logger.Error("Failed to discard orphan entry",
					slog.String("job_id", entry.JobID),
					slog.Any("error", derr),
				)
			}
			return
		}
		// Record store unavailable: fail the attempt so the queue's
		// backoff policy redelivers it.
		p.logger.Error("Failed to mark job processing",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
		if _, ferr := p.queue.Fail(ctx, entry.Type, entry.JobID, "record store unavailable: "+err.Error()); ferr != nil {
			p.logger.Error("Failed to fail job after store error",
				slog.String("job_id", entry.JobID),
				slog.Any("error", ferr),
			)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.timing.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeat(jobCtx, entry, heartbeatDone)
	defer close(heartbeatDone)

	result, err := p.safeExecute(jobCtx, entry)

	if err != nil {
		p.resolveFailure(ctx, entry, err)
		return
	}
	p.resolveSuccess(ctx, entry, result)
}

// safeExecute runs the handler and converts a panic into an execution
// error so one bad job cannot take the pool down.
func (p *Pool) safeExecute(ctx context.Context, entry *queue.Entry) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jobs.NewExecutionError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()

	progress := p.progressReporter(ctx, entry)
	raw, err := p.exec.Execute(ctx, entry, progress)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// progressReporter clamps handler progress to a monotonically
// non-decreasing sequence before storing it.
func (p *Pool) progressReporter(ctx context.Context, entry *queue.Entry) ProgressFunc {
	var mu sync.Mutex
	last := 0
	return func(percent int) {
		mu.Lock()
		defer mu.Unlock()
		if percent <= last {
			return
		}
		last = percent
		if err := p.queue.ReportProgress(ctx, entry.Type, entry.JobID, percent); err != nil {
			p.logger.Warn("Failed to report progress",
				slog.String("job_id", entry.JobID),
				slog.Any("error", err),
			)
		}
	}
}

// heartbeat extends the entry's visibility deadline while the handler
// runs, so a live execution is not treated as stalled.
func (p *Pool) heartbeat(ctx context.Context, entry *queue.Entry, done <-chan struct{}) {
	ticker := time.NewTicker(p.timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Touch(ctx, entry.Type, entry.JobID); err != nil {
				p.logger.Warn("Failed to extend job lease",
					slog.String("job_id", entry.JobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (p *Pool) resolveSuccess(ctx context.Context, entry *queue.Entry, result []byte) {
	if _, err := p.store.UpdateStatus(ctx, entry.JobID, jobs.StatusCompleted, records.StatusUpdate{Result: result}); err != nil {
		p.logger.Error("Failed to mark record completed",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
	}
	if err := p.queue.Complete(ctx, entry.Type, entry.JobID, result); err != nil {
		p.logger.Error("Failed to complete queue entry",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
		return
	}

	p.logger.Info("Job completed",
		slog.String("job_id", entry.JobID),
		slog.String("job_type", string(entry.Type)),
	)
}

func (p *Pool) resolveFailure(ctx context.Context, entry *queue.Entry, execErr error) {
	retryCount := entry.AttemptsMade
	upd := records.StatusUpdate{
		ErrorMessage: execErr.Error(),
		RetryCount:   &retryCount,
	}
	if _, err := p.store.UpdateStatus(ctx, entry.JobID, jobs.StatusFailed, upd); err != nil {
		p.logger.Error("Failed to mark record failed",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
	}

	retrying, err := p.queue.Fail(ctx, entry.Type, entry.JobID, execErr.Error())
	if err != nil {
		p.logger.Error("Failed to resolve queue entry",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
		return
	}

	p.logger.Error("Job execution failed",
		slog.String("job_id", entry.JobID),
		slog.String("job_type", string(entry.Type)),
		slog.Int("attempt", entry.AttemptsMade),
		slog.Bool("retrying", retrying),
		slog.String("error", execErr.Error()),
	)
}
