// Package registry holds the response channels of in-flight chat requests,
// keyed by request id. A channel is written by at most one worker at a time
// and is closed exactly once regardless of how the request ends.
package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var (
	// ErrClientGone is returned by Write once the client has disconnected or
	// a previous write failed.
	ErrClientGone = errors.New("registry: client gone")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("registry: channel closed")

	// ErrDuplicate is returned by Register when an open channel already
	// exists for the request id.
	ErrDuplicate = errors.New("registry: request already streaming")
)

// Channel is the writable output stream of one request.
type Channel struct {
	mu      sync.Mutex
	w       io.Writer
	flush   func()
	onClose func()
	closed  bool
	gone    bool
	done    chan struct{}
}

// NewChannel wraps w. flush, when non-nil, runs after every successful
// write. onClose, when non-nil, runs once when the channel closes.
func NewChannel(w io.Writer, flush, onClose func()) *Channel {
	return &Channel{
		w:       w,
		flush:   flush,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// FromResponseWriter wraps an HTTP response, flushing after each fragment
// when the writer supports it.
func FromResponseWriter(w http.ResponseWriter, onClose func()) *Channel {
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return NewChannel(w, flush, onClose)
}

// Write sends one fragment to the client and flushes it. A failed write
// marks the client gone; every later write fails with ErrClientGone.
func (c *Channel) Write(fragment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.gone:
		return ErrClientGone
	}
	if _, err := io.WriteString(c.w, fragment); err != nil {
		c.gone = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

// Fail writes a terminal error message, best effort, and closes the channel.
// It reports whether this call closed the channel.
func (c *Channel) Fail(msg string) bool {
	_ = c.Write(msg)
	return c.Close()
}

// Close ends the stream. Only the first call has any effect; it reports
// whether this call was the one that closed the channel.
func (c *Channel) Close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose()
	}
	return true
}

// Detach marks the client as disconnected. The HTTP handler calls it before
// returning so no write reaches a finished response.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Registry maps request ids to their open channels. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.Mutex
	chans map[string]*Channel
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{chans: make(map[string]*Channel)}
}

// Register binds ch to id. It fails with ErrDuplicate while another open
// channel is registered under id.
func (r *Registry) Register(id string, ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.chans[id]; ok && !old.Closed() {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.chans[id] = ch
	return nil
}

// Get returns the open channel for id.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[id]
	if !ok || ch.Closed() {
		return nil, false
	}
	return ch, true
}

// Release closes and removes the channel for id. It reports whether this
// call closed it.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	ch, ok := r.chans[id]
	delete(r.chans, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	return ch.Close()
}

// Fail writes msg to the channel for id, then closes and removes it.
func (r *Registry) Fail(id, msg string) bool {
	r.mu.Lock()
	ch, ok := r.chans[id]
	delete(r.chans, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	return ch.Fail(msg)
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chans)
}
