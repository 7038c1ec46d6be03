package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/ragstream/internal/assembler"
	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/queue"
	"github.com/54b3r/ragstream/internal/rag"
	"github.com/54b3r/ragstream/internal/registry"
	"github.com/54b3r/ragstream/internal/router"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 3001).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout bounds the whole response, including a queued wait and the
	// generated stream. Zero disables it.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [slog.Default] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on protected routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registerer receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// PeekLimit caps the records returned by GET /api/collections/{name}.
	PeekLimit int
}

// Deps are the collaborators the handlers drive.
type Deps struct {
	Assembler   Assembler
	Router      Router
	Queue       JobQueue
	Collections Collections
	Channels    *registry.Registry
	Liveness    Heartbeats
}

// Assembler turns a user prompt into a model-ready prompt.
type Assembler interface {
	Embed(ctx context.Context, prompt string) ([]embedder.Chunk, error)
	AssembleChunks(ctx context.Context, req assembler.Request, chunks []embedder.Chunk) (assembler.Result, error)
}

// Router short-circuits prompts matching a semantic route. A nil Router
// disables routing.
type Router interface {
	Match(ctx context.Context, embedding []float32) (router.Match, error)
	Invoke(ctx context.Context, m router.Match, w router.Writer) error
}

// JobQueue admits generation jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (queue.Job, error)
	Counts(ctx context.Context) (map[queue.State]int, error)
}

// Collections is the slice of the vector store exposed over HTTP.
type Collections interface {
	CreateCollection(ctx context.Context, name string) error
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	Peek(ctx context.Context, collection string, limit int) ([]rag.Result, error)
}

// Heartbeats tracks client liveness.
type Heartbeats interface {
	Beat(id string)
	Remove(id string)
	Window() time.Duration
}

// Server is the HTTP front of the chat pipeline.
type Server struct {
	// deps are the pipeline collaborators.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter on shutdown.
	stopRL func()
	// now is the clock used for collection names.
	now func() time.Time
}

// chatRequest is the JSON body for POST /chat.
type chatRequest struct {
	// Prompt is the user's turn.
	Prompt string `json:"prompt"`
	// RequestID is the client-chosen id that keys the stream and heartbeats.
	RequestID string `json:"requestId"`
	// CollectionName is the session collection.
	CollectionName string `json:"collectionName"`
	// LegacyCollectionName is accepted for older clients.
	LegacyCollectionName string `json:"COLLECTION_NAME"`
	// Context is optional extra text placed before the user turn.
	Context string `json:"context,omitempty"`
}

// collection returns the session collection from either field.
func (r chatRequest) collection() string {
	if r.CollectionName != "" {
		return r.CollectionName
	}
	return r.LegacyCollectionName
}

// heartbeatRequest is the JSON body for POST /heartbeat.
type heartbeatRequest struct {
	RequestID string `json:"requestId"`
}

// heartbeatIntervalResponse is the JSON response for GET /heartbeat-interval.
type heartbeatIntervalResponse struct {
	// HeartbeatInterval is half the liveness window, in milliseconds.
	HeartbeatInterval int64 `json:"heartbeatInterval"`
}

// collectionResponse is the JSON response for GET /init-collection.
type collectionResponse struct {
	CollectionName string `json:"collectionName"`
}

// collectionsResponse is the JSON response for GET /api/collections.
type collectionsResponse struct {
	Collections []string `json:"collections"`
}

// recordView is one stored turn fragment in GET /api/collections/{name}.
type recordView struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Document   string    `json:"document"`
	TokenCount int       `json:"tokenCount"`
	DateAdded  time.Time `json:"dateAdded"`
	TurnID     string    `json:"turnId,omitempty"`
}

// collectionResponseBody is the JSON response for GET /api/collections/{name}.
type collectionResponseBody struct {
	Name    string       `json:"name"`
	Records []recordView `json:"records"`
}

// deleteResponse is the JSON response for the DELETE collection endpoints.
type deleteResponse struct {
	Deleted []string `json:"deleted"`
}

// queueResponse is the JSON response for GET /api/queue.
type queueResponse struct {
	Jobs map[queue.State]int `json:"jobs"`
}
