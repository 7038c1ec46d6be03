package registry

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// failingWriter fails every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestChannel_WriteFlushesEachFragment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	flushes := 0
	ch := NewChannel(&buf, func() { flushes++ }, nil)

	for _, f := range []string{"Hel", "lo", "!"} {
		if err := ch.Write(f); err != nil {
			t.Fatalf("Write(%q): %v", f, err)
		}
	}
	if buf.String() != "Hello!" {
		t.Errorf("body = %q", buf.String())
	}
	if flushes != 3 {
		t.Errorf("flushes = %d, want 3", flushes)
	}
}

func TestChannel_CloseExactlyOnce(t *testing.T) {
	t.Parallel()

	var closes atomic.Int32
	ch := NewChannel(&bytes.Buffer{}, nil, func() { closes.Add(1) })

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ch.Close() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 || closes.Load() != 1 {
		t.Fatalf("winners=%d closes=%d, want 1/1", winners.Load(), closes.Load())
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("Done not closed")
	}
	if err := ch.Write("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close: %v", err)
	}
}

func TestChannel_WriteFailureMarksGone(t *testing.T) {
	t.Parallel()

	ch := NewChannel(failingWriter{}, nil, nil)
	if err := ch.Write("a"); !errors.Is(err, ErrClientGone) {
		t.Fatalf("first write: %v", err)
	}
	if err := ch.Write("b"); !errors.Is(err, ErrClientGone) {
		t.Fatalf("second write: %v", err)
	}
}

func TestChannel_DetachBlocksWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ch := NewChannel(&buf, nil, nil)
	ch.Detach()
	if err := ch.Write("x"); !errors.Is(err, ErrClientGone) {
		t.Fatalf("Write after Detach: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("detached channel wrote %q", buf.String())
	}
}

func TestChannel_FailWritesThenCloses(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	ch := FromResponseWriter(rec, nil)
	if !ch.Fail("Error streaming data") {
		t.Fatal("Fail should close the channel")
	}
	if rec.Body.String() != "Error streaming data" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("recorder not flushed")
	}
	if ch.Fail("again") {
		t.Error("second Fail should not report closing")
	}
}

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Register("r1", NewChannel(&bytes.Buffer{}, nil, nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register("r1", NewChannel(&bytes.Buffer{}, nil, nil))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Register: %v", err)
	}
}

func TestRegistry_ReleaseClosesOnce(t *testing.T) {
	t.Parallel()

	var closes atomic.Int32
	r := New()
	_ = r.Register("r1", NewChannel(&bytes.Buffer{}, nil, func() { closes.Add(1) }))

	if !r.Release("r1") {
		t.Fatal("first Release should close")
	}
	if r.Release("r1") {
		t.Fatal("second Release should be a no-op")
	}
	if _, ok := r.Get("r1"); ok {
		t.Fatal("Get after Release should miss")
	}
	if closes.Load() != 1 {
		t.Fatalf("closes = %d, want 1", closes.Load())
	}
	if err := r.Register("r1", NewChannel(&bytes.Buffer{}, nil, nil)); err != nil {
		t.Fatalf("re-Register after Release: %v", err)
	}
}
