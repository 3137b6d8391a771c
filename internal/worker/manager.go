package worker

import (
	"context"
	"log/slog"

	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

// ManagerConfig wires the manager to its backends.
type ManagerConfig struct {
	Logger      *slog.Logger
	Queue       *queue.Queue
	Store       *records.Store
	Executor    Executor
	Concurrency int
	Timing      Timing
}

// Manager owns one worker pool per job type and starts and stops them as
// a unit.
type Manager struct {
	logger *slog.Logger
	pools  []*Pool
}

// NewManager builds a pool for every registered job type.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{logger: cfg.Logger}
	for _, t := range jobs.AllTypes() {
		m.pools = append(m.pools, NewPool(PoolConfig{
			JobType:     t,
			Queue:       cfg.Queue,
			Store:       cfg.Store,
			Executor:    cfg.Executor,
			Concurrency: cfg.Concurrency,
			Timing:      cfg.Timing,
			Logger:      cfg.Logger,
		}))
	}
	return m
}

// Start launches every pool.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting worker manager",
		slog.Int("pools", len(m.pools)),
	)
	for _, p := range m.pools {
		p.Start(ctx)
	}
}

// Stop shuts the pools down and waits for in-flight jobs.
func (m *Manager) Stop() {
	m.logger.Info("Stopping worker manager...")
	for _, p := range m.pools {
		p.Stop()
	}
	m.logger.Info("Worker manager stopped")
}
