package embedder

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/54b3r/ragstream/internal/budget"
)

// Chunk is one embedded slice of a larger text.
type Chunk struct {
	Text       string
	Embedding  []float32
	TokenCount int
}

// sentenceSplitter matches a run of text ending in terminal punctuation, or
// a run of line breaks.
var sentenceSplitter = regexp.MustCompile(`[^.!?\n]+[.!?]+|[^.!?\n]*\n+`)

// Chunker splits text into overlapping token-bounded chunks and embeds them.
type Chunker struct {
	emb Embedder
}

// NewChunker returns a Chunker that embeds through e.
func NewChunker(e Embedder) *Chunker {
	return &Chunker{emb: e}
}

// EmbedText chunks text and embeds every chunk in a single batch call. The
// result preserves input order. overlap is clamped below maxTokens.
func (c *Chunker) EmbedText(ctx context.Context, text string, maxTokens, overlap int) ([]Chunk, error) {
	pieces := SplitText(text, maxTokens, overlap)
	if len(pieces) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vecs, err := c.emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedder: embed %d chunks: %w", len(texts), err)
	}
	if len(vecs) != len(pieces) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(pieces), len(vecs))
	}
	for i := range pieces {
		pieces[i].Embedding = vecs[i]
	}
	return pieces, nil
}

// SplitText packs sentences into chunks of at most maxTokens estimated
// tokens. Each chunk after the first starts with the trailing sentences of
// its predecessor, up to overlap tokens. Sentences longer than maxTokens are
// broken on word boundaries. Embedding is left nil.
func SplitText(text string, maxTokens, overlap int) []Chunk {
	if maxTokens < 1 {
		maxTokens = 1
	}
	overlap = budget.ClampOverlap(maxTokens, overlap)

	var sentences []string
	for _, s := range splitSentences(text) {
		sentences = append(sentences, splitLong(s, maxTokens)...)
	}
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []Chunk
		current []string
		tail    []string
		fresh   int
	)
	emit := func() {
		joined := strings.Join(current, " ")
		chunks = append(chunks, Chunk{Text: joined, TokenCount: budget.Estimate(joined)})
	}

	for _, s := range sentences {
		if fresh > 0 && tokens(append(current, s)) > maxTokens {
			emit()
			current = append([]string(nil), tail...)
			fresh = 0
		}
		if fresh == 0 && len(current) > 0 && tokens(append(current, s)) > maxTokens {
			// The carried overlap cannot share a chunk with this sentence.
			current = nil
		}
		current = append(current, s)
		fresh++

		tail = append(tail, s)
		for len(tail) > 0 && tokens(tail) > overlap {
			tail = tail[1:]
		}
	}
	if fresh > 0 {
		emit()
	}
	return chunks
}

// splitSentences returns the trimmed, non-empty sentences of text, including
// any trailing text that lacks terminal punctuation.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceSplitter.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// splitLong breaks s into word runs of at most maxTokens estimated tokens.
// A single word longer than maxTokens is kept whole.
func splitLong(s string, maxTokens int) []string {
	if budget.Estimate(s) <= maxTokens {
		return []string{s}
	}
	var (
		out []string
		cur []string
	)
	for _, w := range strings.Fields(s) {
		if len(cur) > 0 && budget.Estimate(strings.Join(append(cur, w), " ")) > maxTokens {
			out = append(out, strings.Join(cur, " "))
			cur = nil
		}
		cur = append(cur, w)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

func tokens(parts []string) int {
	return budget.Estimate(strings.Join(parts, " "))
}
