package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/rag"
)

// fakeEmbedder returns one chunk per call, or err.
type fakeEmbedder struct {
	chunks []embedder.Chunk
	err    error
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string, _, _ int) ([]embedder.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.chunks != nil {
		return f.chunks, nil
	}
	return []embedder.Chunk{{Text: text, Embedding: []float32{1, 0}, TokenCount: 1}}, nil
}

// fakeStore serves canned query results and records adds.
type fakeStore struct {
	*rag.MemoryStore
	results  []rag.Result
	queryErr error
	addErr   error
	// failAfter makes Add fail once this many records were written.
	failAfter int
	added     []rag.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: rag.NewMemoryStore(), failAfter: -1}
}

func (f *fakeStore) Query(context.Context, string, []float32, int) ([]rag.Result, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]rag.Result, len(f.results))
	copy(out, f.results)
	return out, nil
}

func (f *fakeStore) Add(_ context.Context, _ string, records ...rag.Record) error {
	if f.addErr != nil || (f.failAfter >= 0 && len(f.added) >= f.failAfter) {
		if f.addErr != nil {
			return f.addErr
		}
		return errors.New("qdrant unreachable")
	}
	f.added = append(f.added, records...)
	return nil
}

func (f *fakeStore) DeleteByTurn(_ context.Context, _ string, turnID string) error {
	kept := f.added[:0]
	for _, r := range f.added {
		if r.Metadata.TurnID != turnID {
			kept = append(kept, r)
		}
	}
	f.added = kept
	return nil
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newTestAssembler(t *testing.T, emb TextEmbedder, store rag.VectorStore) *Assembler {
	t.Helper()
	a, err := New(Config{
		Embedder:     emb,
		Store:        store,
		Instructions: "SYS",
		Now:          func() time.Time { return fixedNow },
		NewID:        func() string { return "turn-1" },
	})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return a
}

func Test_Assemble_NoHistory(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := newTestAssembler(t, &fakeEmbedder{}, store)

	res, err := a.Assemble(context.Background(), Request{Prompt: "hello", CollectionName: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := "SYS" + "\n\n" + "USER: hello\nLLM:"
	if res.FullPrompt != want {
		t.Errorf("prompt:\nwant %q\ngot  %q", want, res.FullPrompt)
	}
	if res.TurnID != "turn-1" {
		t.Errorf("turn id: got %q", res.TurnID)
	}
	if res.Retrieved != 0 {
		t.Errorf("retrieved: want 0, got %d", res.Retrieved)
	}
}

func Test_Assemble_RendersHistoryChronologically(t *testing.T) {
	t.Parallel()
	t1, t2, t3 := fixedNow.Add(-3*time.Minute), fixedNow.Add(-2*time.Minute), fixedNow.Add(-time.Minute)

	store := newFakeStore()
	// Similarity order with dates T2, T1, T3.
	store.results = []rag.Result{
		{ID: "a", Document: "second", Distance: 0.1, Metadata: rag.Metadata{Source: rag.SourceLLM, DateAdded: t2}},
		{ID: "b", Document: "first", Distance: 0.3, Metadata: rag.Metadata{Source: rag.SourceUser, DateAdded: t1}},
		{ID: "c", Document: "third", Distance: 0.05, Metadata: rag.Metadata{Source: rag.SourceUser, DateAdded: t3}},
	}
	a := newTestAssembler(t, &fakeEmbedder{}, store)

	res, err := a.Assemble(context.Background(), Request{Prompt: "next", CollectionName: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := "SYS" +
		"\n\nUSER: first" +
		"\n\nLLM: second" +
		"\n\nUSER: third" +
		"\n\nUSER: next\nLLM:"
	if res.FullPrompt != want {
		t.Errorf("prompt:\nwant %q\ngot  %q", want, res.FullPrompt)
	}
	if res.Retrieved != 3 {
		t.Errorf("retrieved: want 3, got %d", res.Retrieved)
	}
}

func Test_Assemble_PersistsUserChunks(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	emb := &fakeEmbedder{chunks: []embedder.Chunk{
		{Text: "part one.", Embedding: []float32{1, 0}, TokenCount: 3},
		{Text: "part two.", Embedding: []float32{0, 1}, TokenCount: 3},
	}}
	a := newTestAssembler(t, emb, store)

	res, err := a.Assemble(context.Background(), Request{Prompt: "part one. part two.", CollectionName: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(store.added) != 2 {
		t.Fatalf("want 2 records, got %d", len(store.added))
	}
	seen := map[string]bool{}
	for i, rec := range store.added {
		if rec.Metadata.Source != rag.SourceUser {
			t.Errorf("record %d source: got %q", i, rec.Metadata.Source)
		}
		if rec.Metadata.TurnID != "turn-1" {
			t.Errorf("record %d turn: got %q", i, rec.Metadata.TurnID)
		}
		if !rec.Metadata.DateAdded.Equal(fixedNow) {
			t.Errorf("record %d date: got %v", i, rec.Metadata.DateAdded)
		}
		if rec.Metadata.TokenCount != 3 {
			t.Errorf("record %d token count: got %d", i, rec.Metadata.TokenCount)
		}
		if seen[rec.ID] {
			t.Errorf("duplicate record id %s", rec.ID)
		}
		seen[rec.ID] = true
	}
	// Retrieval uses the first chunk only.
	if len(res.Embedding) != 2 || res.Embedding[0] != 1 {
		t.Errorf("query embedding should be the first chunk's, got %v", res.Embedding)
	}
}

func Test_Assemble_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		emb   *fakeEmbedder
		store func() *fakeStore
		want  error
	}{
		{
			name:  "embedding",
			emb:   &fakeEmbedder{err: errors.New("ollama down")},
			store: newFakeStore,
			want:  ErrEmbedding,
		},
		{
			name:  "empty prompt",
			emb:   &fakeEmbedder{chunks: []embedder.Chunk{}},
			store: newFakeStore,
			want:  ErrEmbedding,
		},
		{
			name: "retrieval",
			emb:  &fakeEmbedder{},
			store: func() *fakeStore {
				s := newFakeStore()
				s.queryErr = errors.New("timeout")
				return s
			},
			want: ErrRetrieval,
		},
		{
			name: "persistence",
			emb: &fakeEmbedder{chunks: []embedder.Chunk{
				{Text: "a", Embedding: []float32{1}, TokenCount: 1},
				{Text: "b", Embedding: []float32{1}, TokenCount: 1},
			}},
			store: func() *fakeStore {
				s := newFakeStore()
				s.failAfter = 1
				return s
			},
			want: ErrPersistence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAssembler(t, tt.emb, tt.store())
			_, err := a.Assemble(context.Background(), Request{Prompt: "x", CollectionName: "chat-1"})
			if !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func Test_Assemble_PartialPersistRemovesWrittenChunks(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failAfter = 1
	emb := &fakeEmbedder{chunks: []embedder.Chunk{
		{Text: "a", Embedding: []float32{1}, TokenCount: 1},
		{Text: "b", Embedding: []float32{1}, TokenCount: 1},
	}}
	a := newTestAssembler(t, emb, store)

	_, err := a.Assemble(context.Background(), Request{Prompt: "x", CollectionName: "chat-1"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
	if len(store.added) != 0 {
		t.Errorf("first chunk of failed turn still stored: %+v", store.added)
	}
}

func Test_Assemble_TrimsOldestHistory(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	long := strings.Repeat("x", 400) // ~100 tokens
	store.results = []rag.Result{
		{Document: "old " + long, Metadata: rag.Metadata{Source: rag.SourceUser, DateAdded: fixedNow.Add(-2 * time.Hour)}},
		{Document: "new", Metadata: rag.Metadata{Source: rag.SourceLLM, DateAdded: fixedNow.Add(-time.Hour)}},
	}
	a, err := New(Config{
		Embedder:      &fakeEmbedder{},
		Store:         store,
		Instructions:  "SYS",
		ContextTokens: 40,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := a.Assemble(context.Background(), Request{Prompt: "q", CollectionName: "chat-1"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if strings.Contains(res.FullPrompt, "old ") {
		t.Error("oldest entry should have been dropped")
	}
	if !strings.Contains(res.FullPrompt, "LLM: new") {
		t.Errorf("newest entry should be kept: %q", res.FullPrompt)
	}
}

func Test_Assemble_RequestOverrides(t *testing.T) {
	t.Parallel()
	a := newTestAssembler(t, &fakeEmbedder{}, newFakeStore())

	res, err := a.Assemble(context.Background(), Request{
		Prompt:         "hi",
		CollectionName: "chat-1",
		Instructions:   "CUSTOM",
		Context:        "page title: docs",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := "CUSTOM\n\nCONTEXT: page title: docs\n\nUSER: hi\nLLM:"
	if res.FullPrompt != want {
		t.Errorf("prompt:\nwant %q\ngot  %q", want, res.FullPrompt)
	}
}

func Test_New_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without embedder and store")
	}
}
