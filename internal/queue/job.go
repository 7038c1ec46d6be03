// Package queue is the durable job queue and worker pool. Jobs are admitted
// into a SQLite table, claimed FIFO by a pool whose concurrency equals the
// number of upstream inference slots, and pruned by two periodic sweeps:
// waiting jobs whose client went silent, and finished jobs past retention.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Name identifies the kind of job.
type Name string

const (
	// NameChat is a first-attempt generation job.
	NameChat Name = "chat"
	// NameChatRetry is a generation job re-admitted after the upstream
	// reported no free slot. It is never retried again.
	NameChatRetry Name = "chat-retry"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrQueueUnavailable wraps every failure of the backing store.
	ErrQueueUnavailable = errors.New("queue: unavailable")

	// ErrJobNotFound is returned when an operation targets a missing job.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrDuplicateJob is returned by Enqueue when the job id already exists.
	ErrDuplicateJob = errors.New("queue: duplicate job id")
)

// Payload is the work a job carries.
type Payload struct {
	// FullPrompt is the assembled, model-ready prompt.
	FullPrompt string `json:"fullPrompt"`
}

// Options is the per-job options bag.
type Options struct {
	// CollectionName is the session collection the turn belongs to.
	CollectionName string `json:"collectionName"`
	// TurnID correlates every vector record written for this turn.
	TurnID string `json:"turnId"`
}

// Job is an immutable admission record. A retry creates a new Job; it never
// mutates an existing one.
type Job struct {
	ID        string
	RequestID string
	Name      Name
	Payload   Payload
	Opts      Options

	State State
	// Inactive is set by the inactive sweep just before removal. A handler
	// that observes it must do nothing.
	Inactive bool

	RunAfter   time.Time
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string
}

// IDSource issues retry job ids of the form retry-<id>-<unix ms>. The
// millisecond component is strictly increasing across calls, so two retries
// of the same job never share an id even within one millisecond.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDSource returns an IDSource reading the wall clock.
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// RetryID returns a fresh retry identifier derived from id.
func (s *IDSource) RetryID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return fmt.Sprintf("retry-%s-%d", id, ms)
}
