package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes one claimed job. A nil return marks the job completed;
// an error marks it failed. Handlers own all client-facing side effects.
type Handler func(ctx context.Context, job *Job) error

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Concurrency is the number of jobs processed at once. It should equal
	// the upstream slot count. Values below 1 are treated as 1.
	Concurrency int
	// PollInterval bounds how long a due job can sit unclaimed when no
	// enqueue wakes the pool. Defaults to 250ms.
	PollInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Pool claims jobs from a Store and runs them through a Handler with at
// most Concurrency in flight.
type Pool struct {
	store   *Store
	handler Handler
	sem     *semaphore.Weighted
	size    int
	poll    time.Duration
	log     *slog.Logger
	metrics *Metrics

	wg sync.WaitGroup
}

// NewPool returns a Pool. Call Run to start claiming.
func NewPool(store *Store, handler Handler, cfg PoolConfig) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		store:   store,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		size:    cfg.Concurrency,
		poll:    cfg.PollInterval,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Concurrency returns the number of worker slots.
func (p *Pool) Concurrency() int {
	return p.size
}

// Run claims and dispatches jobs until ctx is cancelled, then waits for
// in-flight handlers to return. It always returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("queue: pool started", "concurrency", p.size, "poll", p.poll)
	defer p.log.Info("queue: pool stopped")
	defer p.wg.Wait()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		// A slot is reserved before claiming so a job never leaves the
		// waiting state unless a worker is free to run it.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, err := p.store.Claim(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("queue: claim failed", "error", err)
		}
		if job == nil {
			p.sem.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-p.store.Wake():
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(ctx, job)
		}()
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	log := p.log.With("job_id", job.ID, "request_id", job.RequestID, "job_name", job.Name)
	p.metrics.started(job)
	log.Debug("queue: job started")

	err := p.invoke(ctx, job)

	// The outcome is written with a fresh context so a shutdown mid-job
	// still records it.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		p.metrics.finished(job, "failed")
		log.Warn("queue: job failed", "error", err)
		if ferr := p.store.Fail(finishCtx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, ErrJobNotFound) {
			log.Error("queue: could not mark job failed", "error", ferr)
		}
		return
	}
	p.metrics.finished(job, "completed")
	log.Debug("queue: job completed")
	if cerr := p.store.Complete(finishCtx, job.ID); cerr != nil && !errors.Is(cerr, ErrJobNotFound) {
		log.Error("queue: could not mark job completed", "error", cerr)
	}
}

func (p *Pool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("queue: handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}
