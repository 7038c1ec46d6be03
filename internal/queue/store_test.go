package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

// openTestStore opens an in-memory Store for use in tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock is a settable time source for Store.now.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newJob(id, requestID string) Job {
	return Job{
		ID:        id,
		RequestID: requestID,
		Name:      NameChat,
		Payload:   Payload{FullPrompt: "USER: " + id + "\nLLM:"},
		Opts:      Options{CollectionName: "chat-1-abc", TurnID: "turn-" + id},
	}
}

func Test_Store_EnqueueAndClaimFIFO(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s.now = clock.now
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(ctx, newJob(id, "req-"+id), 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		clock.advance(time.Millisecond)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.Claim(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got == nil {
			t.Fatalf("claim: want %s, got nothing", want)
		}
		if got.ID != want {
			t.Errorf("claim order: want %s, got %s", want, got.ID)
		}
		if got.State != StateActive {
			t.Errorf("state: want active, got %s", got.State)
		}
		if got.Payload.FullPrompt != "USER: "+want+"\nLLM:" {
			t.Errorf("payload not round-tripped: %q", got.Payload.FullPrompt)
		}
		if got.Opts.TurnID != "turn-"+want {
			t.Errorf("turn id: want turn-%s, got %s", want, got.Opts.TurnID)
		}
	}

	if got, err := s.Claim(ctx); err != nil || got != nil {
		t.Errorf("empty queue claim: want nil/nil, got %v/%v", got, err)
	}
}

func Test_Store_DelayedJobNotClaimableEarly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s.now = clock.now
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, newJob("retry-a-1", "req-a"), 2*time.Second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, _ := s.Claim(ctx); got != nil {
		t.Fatalf("delayed job claimed before run_after")
	}

	clock.advance(2 * time.Second)
	got, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != "retry-a-1" {
		t.Fatalf("want retry-a-1 after delay, got %v", got)
	}
}

func Test_Store_DuplicateIDRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, newJob("dup", "req"), 0); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := s.Enqueue(ctx, newJob("dup", "req"), 0)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("want ErrDuplicateJob, got %v", err)
	}
}

func Test_Store_EnqueueRequiresIdentity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Enqueue(context.Background(), Job{Name: NameChat}, 0); err == nil {
		t.Error("expected error for job without id")
	}
}

func Test_Store_CompleteFailAndCounts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"ok", "bad", "idle"} {
		if _, err := s.Enqueue(ctx, newJob(id, "req-"+id), 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for range 2 {
		if _, err := s.Claim(ctx); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	if err := s.Complete(ctx, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Fail(ctx, "bad", "upstream exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := map[State]int{StateWaiting: 1, StateActive: 0, StateCompleted: 1, StateFailed: 1}
	for state, n := range want {
		if counts[state] != n {
			t.Errorf("%s: want %d, got %d", state, n, counts[state])
		}
	}

	bad, err := s.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bad.LastError != "upstream exploded" {
		t.Errorf("last error: got %q", bad.LastError)
	}
	if bad.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}
}

func Test_Store_RemoveAndGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, newJob("x", "req"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Remove(ctx, "x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second remove: want ErrJobNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("get removed: want ErrJobNotFound, got %v", err)
	}
}

func Test_Store_FlagInactiveOnlyWaiting(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, newJob("w", "req-w"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, newJob("a", "req-a"), time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Claim "w" so it becomes active; "a" stays waiting because of its delay.
	if got, _ := s.Claim(ctx); got == nil || got.ID != "w" {
		t.Fatalf("want to claim w, got %v", got)
	}

	if ok, err := s.FlagInactive(ctx, "w"); err != nil || ok {
		t.Errorf("active job: want not flagged, got %v/%v", ok, err)
	}
	if ok, err := s.FlagInactive(ctx, "a"); err != nil || !ok {
		t.Errorf("waiting job: want flagged, got %v/%v", ok, err)
	}
	if ok, _ := s.FlagInactive(ctx, "a"); ok {
		t.Error("second flag should report false")
	}
}

func Test_Store_RemoveFinishedBefore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s.now = clock.now
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if _, err := s.Enqueue(ctx, newJob(id, "req-"+id), 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := s.Claim(ctx); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := s.Complete(ctx, id); err != nil {
			t.Fatalf("complete: %v", err)
		}
		clock.advance(10 * time.Minute)
	}

	n, err := s.RemoveFinishedBefore(ctx, StateCompleted, clock.now().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("remove finished: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 reaped, got %d", n)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Errorf("recent job should survive: %v", err)
	}
}

func Test_Store_RequeueActive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, newJob("crashed", "req"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n, err := s.RequeueActive(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 requeued, got %d", n)
	}
	got, err := s.Get(ctx, "crashed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateWaiting {
		t.Errorf("want waiting, got %s", got.State)
	}
}

func Test_Store_EnqueueWakes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Enqueue(context.Background(), newJob("w", "req"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-s.Wake():
	default:
		t.Error("expected a wake token after enqueue")
	}
}

func Test_Store_ClosedIsUnavailable(t *testing.T) {
	t.Parallel()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()

	_, err = s.Enqueue(context.Background(), newJob("x", "req"), 0)
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("want ErrQueueUnavailable, got %v", err)
	}
}

func Test_IDSource_RetryIDsUnique(t *testing.T) {
	t.Parallel()
	fixed := time.UnixMilli(1_700_000_000_000)
	src := &IDSource{now: func() time.Time { return fixed }}

	seen := make(map[string]bool)
	for range 100 {
		id := src.RetryID("job-1")
		if seen[id] {
			t.Fatalf("duplicate retry id %s", id)
		}
		seen[id] = true
	}
	if got := src.RetryID("x"); got != "retry-x-1700000000100" {
		t.Errorf("unexpected format: %s", got)
	}
}
