package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/ragstream/internal/budget"
	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/llm"
	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/rag"
	"github.com/54b3r/ragstream/internal/router"
)

// getEnvOrDefault returns the value of key, or fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// getEnvInt parses key as an integer, returning fallback when unset or
// malformed.
func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnvOrDefault(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// getEnvFloat parses key as a float, returning fallback when unset or
// malformed.
func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(getEnvOrDefault(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

// getEnvBool parses key as a boolean, returning fallback when unset or
// malformed.
func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnvOrDefault(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// getEnvMillis reads key as a whole number of milliseconds.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnvDuration reads key as a Go duration ("24h") or, failing that, as
// milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return getEnvMillis(key, fallback)
}

// chunkLimits reads the chunk sizing bounds.
func chunkLimits() budget.Limits {
	def := budget.DefaultLimits()
	return budget.Limits{
		MinSize:    getEnvInt("MIN_CHUNK_TOKEN_SIZE", def.MinSize),
		MaxSize:    getEnvInt("MAX_CHUNK_TOKEN_SIZE", def.MaxSize),
		MinOverlap: getEnvInt("MIN_CHUNK_TOKEN_OVERLAP", def.MinOverlap),
		MaxOverlap: getEnvInt("MAX_CHUNK_TOKEN_OVERLAP", def.MaxOverlap),
	}
}

// contextSize returns LLM_CONTEXT_SIZE, else the upstream's n_ctx, else
// budget.DefaultContextSize.
func contextSize(ctx context.Context, c llm.Connector, log *slog.Logger) int {
	if n := getEnvInt("LLM_CONTEXT_SIZE", 0); n > 0 {
		return n
	}
	if pr, ok := c.(llm.PropsReader); ok {
		props, err := pr.Props(ctx)
		if err == nil && props.ContextSize > 0 {
			return props.ContextSize
		}
	}
	log.Info("context size unknown, using default", slog.Int("n_ctx", budget.DefaultContextSize))
	return budget.DefaultContextSize
}

// buildChunker validates the embedding settings and returns a chunking
// embedder for the resolved backend.
func buildChunker(log *slog.Logger) (*embedder.Chunker, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("provider", embedder.Backend()))
	return embedder.NewChunker(emb), nil
}

// buildVectorStore connects the vector store selected by VECTOR_STORE
// (qdrant, the default, or memory). The Qdrant store is also returned
// separately so its client can back a readiness probe; it is nil for the
// in-memory store.
func buildVectorStore(log *slog.Logger) (rag.VectorStore, *rag.QdrantStore, error) {
	if strings.EqualFold(getEnvOrDefault("VECTOR_STORE", "qdrant"), "memory") {
		log.Warn("vector store: in-memory, history is lost on restart")
		return rag.NewMemoryStore(), nil, nil
	}

	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	qs, err := rag.NewQdrantStore(&rag.QdrantConfig{
		Host:       host,
		Port:       port,
		VectorSize: uint64(embedder.DefaultDimensions(embedder.Backend())), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     getEnvBool("QDRANT_TLS", false),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}
	log.Info("vector store: qdrant", slog.String("host", host), slog.Int("port", port))
	return qs, qs, nil
}

// buildRouter returns the semantic router configured from the environment.
func buildRouter(store rag.VectorStore, chunker *embedder.Chunker, log *slog.Logger) (*router.Router, error) {
	return router.New(router.Config{
		Store:       store,
		Embedder:    chunker,
		File:        getEnvOrDefault("SEMANTIC_ROUTES_FILE", "semantic-routes.json"),
		TopK:        getEnvInt("TOP_SEMANTIC_ROUTES", router.DefaultTopK),
		Sensitivity: getEnvInt("SEMANTIC_ROUTE_SENSITIVITY", router.DefaultSensitivity),
		Actions:     router.DefaultActions(getEnvMillis("SEMANTIC_ROUTE_REPLY_DELAY", router.DefaultReplyDelay)),
		Logger:      logging.Component(log, "router"),
	})
}
