package janitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/54b3r/ragstream/internal/rag"
)

var now = time.UnixMilli(1_700_000_000_000)

func sessionAt(t time.Time, suffix string) string {
	return fmt.Sprintf("chat-%d-%s", t.UnixMilli(), suffix)
}

func Test_SessionCreatedAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ok   bool
	}{
		{name: "chat-1700000000000-123", ok: true},
		{name: "chat-1700000000000-abc9", ok: true},
		{name: "semantic-routes"},
		{name: "chat-notanumber-1"},
		{name: "chat-1700000000000"},
		{name: "mychat-1700000000000-1"},
	}
	for _, tt := range tests {
		got, ok := SessionCreatedAt(tt.name)
		if ok != tt.ok {
			t.Errorf("%s: ok want %v, got %v", tt.name, tt.ok, ok)
		}
		if ok && !got.Equal(now) {
			t.Errorf("%s: time want %v, got %v", tt.name, now, got)
		}
	}
}

func Test_Sweep_DeletesOnlyAgedSessions(t *testing.T) {
	t.Parallel()
	store := rag.NewMemoryStore()
	ctx := context.Background()

	old := sessionAt(now.Add(-25*time.Hour), "1")
	fresh := sessionAt(now.Add(-time.Hour), "2")
	for _, name := range []string{old, fresh, "semantic-routes", "notes"} {
		if err := store.CreateCollection(ctx, name); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	j, err := New(Config{Store: store, MaxAge: 24 * time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	deleted, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != old {
		t.Errorf("deleted: want [%s], got %v", old, deleted)
	}

	left, _ := store.ListCollections(ctx)
	for _, keep := range []string{fresh, "semantic-routes", "notes"} {
		if !slices.Contains(left, keep) {
			t.Errorf("%s should survive", keep)
		}
	}
}

// failingStore fails to list or to delete particular names.
type failingStore struct {
	names   []string
	listErr error
	badName string
	deleted []string
}

func (f *failingStore) ListCollections(context.Context) ([]string, error) {
	return f.names, f.listErr
}

func (f *failingStore) DeleteCollection(_ context.Context, name string) error {
	if name == f.badName {
		return errors.New("locked")
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func Test_Sweep_ContinuesPastDeleteFailure(t *testing.T) {
	t.Parallel()
	a := sessionAt(now.Add(-48*time.Hour), "a")
	b := sessionAt(now.Add(-48*time.Hour), "b")
	store := &failingStore{names: []string{a, b}, badName: a}

	j, err := New(Config{Store: store, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	deleted, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != b {
		t.Errorf("want [%s], got %v", b, deleted)
	}
}

func Test_Sweep_ListError(t *testing.T) {
	t.Parallel()
	j, err := New(Config{Store: &failingStore{listErr: errors.New("down")}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := j.Sweep(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func Test_New_RejectsBadSchedule(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Store: rag.NewMemoryStore(), Schedule: "every now and then"}); err == nil {
		t.Error("expected schedule error")
	}
	if _, err := New(Config{Store: rag.NewMemoryStore(), Schedule: "*/5 * * * *"}); err != nil {
		t.Errorf("five-field spec should parse: %v", err)
	}
}

func Test_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()
	j, err := New(Config{Store: rag.NewMemoryStore(), Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
