package embedder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEmbedder returns a one-element vector holding each text's length and
// records every batch it receives.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// sentence returns a 40-character sentence (10 estimated tokens).
func sentence(c byte) string {
	return strings.Repeat(string(c), 39) + "."
}

// ---------------------------------------------------------------------------
// SplitText
// ---------------------------------------------------------------------------

func TestSplitText_ShortPrompt(t *testing.T) {
	t.Parallel()

	got := SplitText("hello", 150, 10)
	if len(got) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(got))
	}
	if got[0].Text != "hello" || got[0].TokenCount != 1 {
		t.Errorf("chunk = %+v, want hello/1", got[0])
	}
}

func TestSplitText_Empty(t *testing.T) {
	t.Parallel()

	if got := SplitText("   \n\n ", 150, 10); len(got) != 0 {
		t.Errorf("want no chunks, got %+v", got)
	}
}

func TestSplitText_OverlapCarriesTrailingSentence(t *testing.T) {
	t.Parallel()

	s1, s2, s3, s4 := sentence('a'), sentence('b'), sentence('c'), sentence('d')
	text := strings.Join([]string{s1, s2, s3, s4}, " ")

	got := SplitText(text, 25, 10)
	want := []string{s1 + " " + s2, s2 + " " + s3, s3 + " " + s4}
	if len(got) != len(want) {
		t.Fatalf("want %d chunks, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i].Text, want[i])
		}
		if got[i].TokenCount > 25 {
			t.Errorf("chunk %d has %d tokens, limit 25", i, got[i].TokenCount)
		}
	}
}

func TestSplitText_NoOverlap(t *testing.T) {
	t.Parallel()

	s1, s2, s3, s4 := sentence('a'), sentence('b'), sentence('c'), sentence('d')
	text := strings.Join([]string{s1, s2, s3, s4}, " ")

	got := SplitText(text, 25, 0)
	if len(got) != 2 {
		t.Fatalf("want 2 chunks, got %d: %+v", len(got), got)
	}
	if got[0].Text != s1+" "+s2 || got[1].Text != s3+" "+s4 {
		t.Errorf("unexpected chunks: %+v", got)
	}
}

func TestSplitText_OverlapClampedBelowMax(t *testing.T) {
	t.Parallel()

	text := strings.Join([]string{sentence('a'), sentence('b'), sentence('c')}, " ")
	got := SplitText(text, 10, 50)
	if len(got) != 3 {
		t.Fatalf("want 3 chunks, got %d: %+v", len(got), got)
	}
}

func TestSplitText_LongSentenceBrokenOnWords(t *testing.T) {
	t.Parallel()

	words := make([]string, 60)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ") + "."

	got := SplitText(text, 20, 0)
	if len(got) < 2 {
		t.Fatalf("want the sentence split, got %d chunk(s)", len(got))
	}
	for i, c := range got {
		if c.TokenCount > 20 {
			t.Errorf("chunk %d has %d tokens, limit 20", i, c.TokenCount)
		}
	}
}

func TestSplitText_TrailingTextWithoutPunctuation(t *testing.T) {
	t.Parallel()

	got := SplitText("First line.\nsecond part", 150, 0)
	if len(got) != 1 || got[0].Text != "First line. second part" {
		t.Errorf("unexpected chunks: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// EmbedText
// ---------------------------------------------------------------------------

func TestEmbedText_PreservesOrder(t *testing.T) {
	t.Parallel()

	fake := &fakeEmbedder{}
	c := NewChunker(fake)

	text := strings.Join([]string{sentence('a'), "short.", sentence('c')}, " ")
	got, err := c.EmbedText(context.Background(), text, 12, 0)
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if fake.calls() != 1 {
		t.Errorf("want one batch call, got %d", fake.calls())
	}
	for i, ch := range got {
		if len(ch.Embedding) != 1 || int(ch.Embedding[0]) != len(ch.Text) {
			t.Errorf("chunk %d embedding %v does not belong to %q", i, ch.Embedding, ch.Text)
		}
	}
}

func TestEmbedText_BackendError(t *testing.T) {
	t.Parallel()

	c := NewChunker(&fakeEmbedder{err: errors.New("down")})
	if _, err := c.EmbedText(context.Background(), "hello", 150, 10); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

// ---------------------------------------------------------------------------
// CachedEmbedder
// ---------------------------------------------------------------------------

func TestCachedEmbedder_OnlyMissesReachBackend(t *testing.T) {
	t.Parallel()

	fake := &fakeEmbedder{}
	e := NewCached(fake, 16, 0)
	ctx := context.Background()

	if _, err := e.Embed(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	got, err := e.Embed(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("second Embed: %v", err)
	}

	if fake.calls() != 2 {
		t.Fatalf("want 2 backend calls, got %d", fake.calls())
	}
	if last := fake.batches[1]; len(last) != 1 || last[0] != "gamma" {
		t.Errorf("second batch = %v, want [gamma]", last)
	}
	wantLens := []float32{4, 5, 5}
	for i, v := range got {
		if v[0] != wantLens[i] {
			t.Errorf("vector %d = %v, want %v", i, v[0], wantLens[i])
		}
	}
}

func TestNewCached_DisabledReturnsBackend(t *testing.T) {
	t.Parallel()

	fake := &fakeEmbedder{}
	if got := NewCached(fake, 0, 0); got != Embedder(fake) {
		t.Error("size 0 should return the backend unchanged")
	}
}
