// Package liveness tracks which clients still want their response. Each
// request id holds one expiry timer; a heartbeat cancels and re-arms it, and
// an expired timer removes the entry. Presence in the tracker is the only
// signal that a queued job is still wanted.
package liveness

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker is a set of request ids with per-entry expiry. It is safe for
// concurrent use.
type Tracker struct {
	window time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry pairs a timer with a generation counter so a timer that fires after
// being superseded by a newer heartbeat is ignored.
type entry struct {
	timer *time.Timer
	gen   uint64
}

// New returns a Tracker whose entries expire window after their last beat.
func New(window time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		window:  window,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Window returns the inactivity window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Beat marks id alive for another window, cancelling any pending expiry.
// Unknown ids are added. An empty id is ignored.
func (t *Tracker) Beat(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if ok {
		e.timer.Stop()
		e.gen++
	} else {
		e = &entry{}
		t.entries[id] = e
	}
	gen := e.gen
	e.timer = time.AfterFunc(t.window, func() { t.expire(id, gen) })
}

// IsAlive reports whether id has beaten within the window.
func (t *Tracker) IsAlive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Remove drops id and cancels its timer. Removing an unknown id is a no-op.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

// Len returns the number of live entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expire(id string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	t.log.Debug("liveness: client inactive", slog.String("request_id", id))
}
