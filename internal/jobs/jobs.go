// Package jobs runs the control plane's periodic maintenance on tickers from
// an injected clock.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Config struct {
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	Retention         time.Duration `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		ReapInterval:      time.Minute,
		SweepInterval:     30 * time.Second,
		RecomputeInterval: time.Minute,
		PingInterval:      5 * time.Minute,
		PruneInterval:     time.Hour,
		StaleThreshold:    15 * time.Minute,
		Retention:         7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = d.RecomputeInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Job is one periodic task. Run returns how many items it touched.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Maintainer is the set of periodic operations the control service exposes.
type Maintainer interface {
	ReapStale(ctx context.Context, threshold time.Duration) (int, error)
	SweepAll(ctx context.Context) (int, error)
	RecomputeAll(ctx context.Context) (int, error)
	PingAll(ctx context.Context) (int, error)
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// Standard returns the maintenance jobs for m.
func Standard(m Maintainer, cfg Config) []Job {
	cfg = cfg.withDefaults()
	return []Job{
		{Name: "reap", Interval: cfg.ReapInterval, Run: func(ctx context.Context) (int, error) {
			return m.ReapStale(ctx, cfg.StaleThreshold)
		}},
		{Name: "sweep", Interval: cfg.SweepInterval, Run: m.SweepAll},
		{Name: "recompute", Interval: cfg.RecomputeInterval, Run: m.RecomputeAll},
		{Name: "ping", Interval: cfg.PingInterval, Run: m.PingAll},
		{Name: "prune", Interval: cfg.PruneInterval, Run: func(ctx context.Context) (int, error) {
			return m.Prune(ctx, cfg.Retention)
		}},
	}
}

type Scheduler struct {
	jobs  []Job
	clock clockwork.Clock
	wg    sync.WaitGroup
}

func NewScheduler(clock clockwork.Clock, jobs ...Job) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{jobs: jobs, clock: clock}
}

// Start launches one ticker loop per job. The loops exit when ctx is done;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			slog.Warn("Skipping job without interval", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	slog.Info("Job scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := s.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := s.clock.Now()
	n, err := job.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Job failed", "job", job.Name, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Job finished", "job", job.Name, "count", n, "took", s.clock.Since(start))
	}
}
