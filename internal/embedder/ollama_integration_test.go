//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestOllamaChunker_Integration embeds a multi-sentence prompt through a
// locally running Ollama instance.
//
// Prerequisites:
//
//	ollama pull nomic-embed-text
//	ollama serve
//
// Run with:
//
//	go test -tags=integration -run TestOllamaChunker_Integration ./internal/embedder/
func TestOllamaChunker_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text"
	}

	chunker := NewChunker(NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := "The queue holds one job per prompt. Workers stream tokens back as they arrive. " +
		"A heartbeat keeps the session alive. Stale sessions are pruned before they run."

	chunks, err := chunker.EmbedText(ctx, text, 16, 4)
	if err != nil {
		t.Fatalf("EmbedText() failed: %v\n\nEnsure Ollama is running and %q is pulled:\n  ollama pull %s", err, model, model)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected the text to split into several chunks, got %d", len(chunks))
	}

	dim := len(chunks[0].Embedding)
	for i, c := range chunks {
		if len(c.Embedding) != dim || dim == 0 {
			t.Errorf("chunk %d: dim=%d, want %d", i, len(c.Embedding), dim)
		}
		if c.TokenCount <= 0 {
			t.Errorf("chunk %d: token count %d", i, c.TokenCount)
		}
	}
	t.Logf("model=%s chunks=%d dim=%d (set EMBEDDING_DIMENSIONS=%d)", model, len(chunks), dim, dim)
}
