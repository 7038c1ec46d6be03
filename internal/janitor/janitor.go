// Package janitor deletes abandoned chat session collections on a cron
// schedule. Only collections named chat-<unix ms>-<suffix> are considered,
// and only once their embedded creation time is older than the configured
// maximum age.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultMaxAge is how long a session collection lives.
	DefaultMaxAge = 24 * time.Hour
	// DefaultSchedule runs the sweep hourly.
	DefaultSchedule = "@every 1h"
)

var sessionName = regexp.MustCompile(`^chat-(\d{10,})-[A-Za-z0-9]+$`)

// SessionCreatedAt parses the creation time embedded in a session
// collection name. ok is false for names that do not follow the pattern.
func SessionCreatedAt(name string) (t time.Time, ok bool) {
	m := sessionName.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Collections is the subset of the vector store the janitor uses.
type Collections interface {
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
}

// Config configures a Janitor.
type Config struct {
	Store    Collections
	MaxAge   time.Duration
	Schedule string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Janitor runs the aged-collection sweep.
type Janitor struct {
	cfg     Config
	log     *slog.Logger
	cron    *cron.Cron
	running atomic.Bool
}

// New validates the schedule and returns a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("janitor: store is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return &Janitor{
		cfg:  cfg,
		log:  cfg.Logger.With("job", "collection-janitor", "schedule", cfg.Schedule),
		cron: cron.New(cron.WithParser(parser)),
	}, nil
}

// Run schedules the sweep and blocks until ctx is cancelled, then waits for
// a running sweep to finish.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.tick(ctx) }); err != nil {
		return fmt.Errorf("janitor: schedule: %w", err)
	}
	j.log.Info("janitor: scheduled", "max_age", j.cfg.MaxAge)
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	return nil
}

func (j *Janitor) tick(ctx context.Context) {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Info("janitor: skipped, previous sweep still running")
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	deleted, err := j.Sweep(ctx)
	if err != nil {
		j.log.Error("janitor: sweep failed", "error", err, "duration", time.Since(start))
		return
	}
	j.log.Info("janitor: sweep finished", "deleted", len(deleted), "duration", time.Since(start))
}

// Sweep deletes every session collection older than MaxAge and returns
// their names. A failed delete is logged and the sweep continues.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	names, err := j.cfg.Store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("janitor: list collections: %w", err)
	}
	cutoff := j.cfg.Now().Add(-j.cfg.MaxAge)

	var deleted []string
	for _, name := range names {
		created, ok := SessionCreatedAt(name)
		if !ok || !created.Before(cutoff) {
			continue
		}
		if err := j.cfg.Store.DeleteCollection(ctx, name); err != nil {
			j.log.Warn("janitor: delete collection", "collection", name, "error", err)
			continue
		}
		j.log.Debug("janitor: deleted aged collection", "collection", name, "created", created)
		deleted = append(deleted, name)
	}
	return deleted, nil
}
