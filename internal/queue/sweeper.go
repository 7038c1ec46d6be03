package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Liveness reports whether a request's client is still heartbeating.
type Liveness interface {
	IsAlive(requestID string) bool
}

// EvictFunc is called after a waiting job is removed for inactivity. The
// server uses it to close the request's response channel.
type EvictFunc func(job Job)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// InactiveInterval is how often waiting jobs are checked against
	// liveness. It should equal the liveness window.
	InactiveInterval time.Duration
	// Retention is how long completed and failed jobs are kept. The reap
	// sweep runs at this same interval.
	Retention time.Duration
	OnEvict   EvictFunc
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Sweeper runs the two periodic queue cleanups: evicting waiting jobs whose
// client is gone and reaping finished jobs past retention.
type Sweeper struct {
	store *Store
	live  Liveness
	cfg   SweeperConfig
	log   *slog.Logger
}

// NewSweeper returns a Sweeper over store using live for liveness checks.
func NewSweeper(store *Store, live Liveness, cfg SweeperConfig) *Sweeper {
	if cfg.InactiveInterval <= 0 {
		cfg.InactiveInterval = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{store: store, live: live, cfg: cfg, log: cfg.Logger}
}

// Run starts both sweeps and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, s.cfg.InactiveInterval, func() { s.SweepInactive(ctx) })
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.Retention, func() { s.Reap(ctx) })
		return nil
	})
	return g.Wait()
}

func (s *Sweeper) every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// SweepInactive flags and removes every waiting job whose request id is no
// longer alive, then calls OnEvict for it. It returns the number evicted.
// Active jobs are never touched.
func (s *Sweeper) SweepInactive(ctx context.Context) int {
	waiting, err := s.store.ListByState(ctx, StateWaiting)
	if err != nil {
		s.log.Error("queue: inactive sweep: list waiting", "error", err)
		return 0
	}

	evicted := 0
	for _, job := range waiting {
		if s.live.IsAlive(job.RequestID) {
			continue
		}
		flagged, err := s.store.FlagInactive(ctx, job.ID)
		if err != nil {
			s.log.Error("queue: inactive sweep: flag", "job_id", job.ID, "error", err)
			continue
		}
		if !flagged {
			// Claimed or already evicted between list and flag.
			continue
		}
		if err := s.store.Remove(ctx, job.ID); err != nil {
			s.log.Error("queue: inactive sweep: remove", "job_id", job.ID, "error", err)
			continue
		}
		job.Inactive = true
		evicted++
		s.cfg.Metrics.evict()
		s.log.Info("queue: evicted inactive job", "job_id", job.ID, "request_id", job.RequestID)
		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(job)
		}
	}
	return evicted
}

// Reap removes completed and failed jobs that finished more than Retention
// ago. It returns the number removed.
func (s *Sweeper) Reap(ctx context.Context) int64 {
	cutoff := s.store.now().Add(-s.cfg.Retention)
	var total int64
	for _, state := range []State{StateCompleted, StateFailed} {
		n, err := s.store.RemoveFinishedBefore(ctx, state, cutoff)
		if err != nil {
			s.log.Error("queue: reap", "state", state, "error", err)
			continue
		}
		s.cfg.Metrics.reap(state, n)
		total += n
	}
	if total > 0 {
		s.log.Info("queue: reaped finished jobs", "count", total)
	}
	return total
}
