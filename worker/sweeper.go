package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

// SweepConfig controls the recovery sweep.
type SweepConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration `yaml:"interval"`
	// Grace is how long a job may sit pending before it is presumed
	// to have lost its queue message.
	Grace time.Duration `yaml:"grace"`
	// BatchSize caps re-publishes per cycle.
	BatchSize int `yaml:"batch_size"`
}

func (c *SweepConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Sweeper re-publishes pending jobs whose queue message was lost,
// closing the gap between "job row committed" and "publish failed" at
// intake. Each stale job is re-published once per cycle: the touch
// resets its staleness clock.
type Sweeper struct {
	cfg     SweepConfig
	store   store.Store
	queue   queue.Queue
	metrics *Metrics
	logger  *slog.Logger
}

// NewSweeper creates a recovery sweeper. metrics may be nil.
func NewSweeper(s store.Store, q queue.Queue, cfg SweepConfig, m *Metrics, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: s, queue: q, metrics: m, logger: logger}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper: started", "interval", s.cfg.Interval, "grace", s.cfg.Grace)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper: stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweeper: sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one recovery cycle.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Grace)
	jobs, err := s.store.ListStalePendingJobs(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		if err := s.queue.Publish(ctx, j.ID); err != nil {
			s.logger.Warn("sweeper: re-publish failed", "job_id", j.ID, "error", err)
			continue
		}
		// Touch after a successful publish so the job does not
		// qualify again until another full grace period elapses.
		if err := s.store.TouchJob(ctx, j.ID); err != nil {
			s.logger.Warn("sweeper: touch failed", "job_id", j.ID, "error", err)
		}
		s.metrics.sweepPublished()
		s.logger.Info("sweeper: re-published stale pending job",
			"job_id", j.ID, "pending_since", j.UpdatedAt)
	}
	return nil
}
