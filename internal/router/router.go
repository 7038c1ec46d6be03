// Package router short-circuits generation for prompts that match a
// predefined route. Route phrases are embedded into a dedicated
// long-lived collection; a prompt matches the first nearest phrase whose
// distance is within that route's sensitivity-adjusted threshold, and the
// route's action answers the client instead of the model.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/rag"
)

const (
	// Collection holds the embedded route phrases.
	Collection = "semantic-routes"

	// DefaultTopK is how many nearest phrases are evaluated per prompt.
	DefaultTopK = 10

	// DefaultSensitivity leaves thresholds unadjusted.
	DefaultSensitivity = 50

	// phraseChunkTokens is large enough that a route phrase is one chunk.
	phraseChunkTokens = 512

	extraTopic     = "route_topic"
	extraThreshold = "route_threshold"
	extraAction    = "route_action"
	extraText      = "route_text"
)

// Route is one entry of the route definition file.
type Route struct {
	Topic     string   `json:"topic"`
	Phrases   []string `json:"phrases"`
	Threshold float64  `json:"threshold"`
	Action    string   `json:"action"`
	// Text is the action's argument, e.g. the canned reply.
	Text string `json:"text"`
}

// LoadRoutes reads and validates a route definition file. Every route must
// name an action registered in actions.
func LoadRoutes(path string, actions Actions) ([]Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read %s: %w", path, err)
	}
	var routes []Route
	if err := json.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("router: parse %s: %w", path, err)
	}
	for i, r := range routes {
		if r.Topic == "" {
			return nil, fmt.Errorf("router: route %d: topic is required", i)
		}
		if len(r.Phrases) == 0 {
			return nil, fmt.Errorf("router: route %q: at least one phrase is required", r.Topic)
		}
		if r.Threshold <= 0 || r.Threshold > 1 {
			return nil, fmt.Errorf("router: route %q: threshold %v outside (0, 1]", r.Topic, r.Threshold)
		}
		if _, ok := actions[r.Action]; !ok {
			return nil, fmt.Errorf("router: route %q: unknown action %q", r.Topic, r.Action)
		}
	}
	return routes, nil
}

// AdjustThreshold scales base by sensitivity in [1, 100]. At 50 the base is
// returned unchanged; below 50 it moves linearly toward 0.05 (reached at
// 1), above 50 linearly toward 1.0 (reached at 100). The result is clamped
// to [0.05, 1.0]. Out-of-range sensitivities are clamped first.
func AdjustThreshold(base float64, sensitivity int) float64 {
	const floor, ceiling = 0.05, 1.0
	s := min(max(sensitivity, 1), 100)

	adj := base
	switch {
	case s < 50:
		adj = base + float64(s-50)/49*(base-floor)
	case s > 50:
		adj = base + float64(s-50)/50*(ceiling-base)
	}
	return min(max(adj, floor), ceiling)
}

// TextEmbedder chunks and embeds text. *embedder.Chunker satisfies it.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string, maxTokens, overlap int) ([]embedder.Chunk, error)
}

// Config configures a Router.
type Config struct {
	Store    rag.VectorStore
	Embedder TextEmbedder
	// File is the route definition JSON.
	File        string
	TopK        int
	Sensitivity int
	Actions     Actions
	Logger      *slog.Logger
}

// Router matches prompt embeddings against the route collection.
type Router struct {
	cfg Config
	log *slog.Logger

	// mu serializes rebuilds.
	mu sync.Mutex
}

// New returns a Router. Actions default to DefaultActions().
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("router: store and embedder are required")
	}
	if cfg.File == "" {
		cfg.File = "semantic-routes.json"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Sensitivity == 0 {
		cfg.Sensitivity = DefaultSensitivity
	}
	if cfg.Actions == nil {
		cfg.Actions = DefaultActions(DefaultReplyDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{cfg: cfg, log: cfg.Logger}, nil
}

// Build recreates the route collection from the definition file. It
// returns the number of phrases stored.
func (r *Router) Build(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked(ctx)
}

func (r *Router) buildLocked(ctx context.Context) (int, error) {
	routes, err := LoadRoutes(r.cfg.File, r.cfg.Actions)
	if err != nil {
		return 0, err
	}
	if err := r.cfg.Store.DeleteCollection(ctx, Collection); err != nil {
		return 0, fmt.Errorf("router: drop %s: %w", Collection, err)
	}
	if err := r.cfg.Store.CreateCollection(ctx, Collection); err != nil {
		return 0, fmt.Errorf("router: create %s: %w", Collection, err)
	}

	now := time.Now()
	n := 0
	for _, route := range routes {
		for _, phrase := range route.Phrases {
			chunks, err := r.cfg.Embedder.EmbedText(ctx, phrase, phraseChunkTokens, 0)
			if err != nil {
				return n, fmt.Errorf("router: embed phrase %q: %w", phrase, err)
			}
			for _, c := range chunks {
				rec := rag.Record{
					ID:       uuid.NewString(),
					Vector:   c.Embedding,
					Document: c.Text,
					Metadata: rag.Metadata{
						Source:     rag.SourceRoutes,
						TokenCount: c.TokenCount,
						DateAdded:  now,
						Extra: map[string]string{
							extraTopic:     route.Topic,
							extraThreshold: strconv.FormatFloat(route.Threshold, 'f', -1, 64),
							extraAction:    route.Action,
							extraText:      route.Text,
						},
					},
				}
				if err := r.cfg.Store.Add(ctx, Collection, rec); err != nil {
					return n, fmt.Errorf("router: store phrase %q: %w", phrase, err)
				}
				n++
			}
		}
		r.log.Debug("router: route stored", "topic", route.Topic, "phrases", len(route.Phrases))
	}
	r.log.Info("router: semantic routes built", "routes", len(routes), "phrases", n)
	return n, nil
}

// ensureBuilt rebuilds the collection whenever it is missing, including
// after it was dropped through the collections API.
func (r *Router) ensureBuilt(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exists, err := r.cfg.Store.CollectionExists(ctx, Collection)
	if err != nil {
		return fmt.Errorf("router: check %s: %w", Collection, err)
	}
	if exists {
		return nil
	}
	if _, err := r.buildLocked(ctx); err != nil {
		return err
	}
	return nil
}

// Match is the outcome of routing one prompt.
type Match struct {
	Matched   bool
	Topic     string
	Action    string
	Text      string
	Distance  float32
	Threshold float64
}

// Match evaluates the nearest route phrases in similarity order and returns
// the first whose distance is within its adjusted threshold.
func (r *Router) Match(ctx context.Context, embedding []float32) (Match, error) {
	if err := r.ensureBuilt(ctx); err != nil {
		return Match{}, err
	}
	results, err := r.cfg.Store.Query(ctx, Collection, embedding, r.cfg.TopK)
	if err != nil {
		return Match{}, fmt.Errorf("router: query %s: %w", Collection, err)
	}
	for _, res := range results {
		base, err := strconv.ParseFloat(res.Metadata.Extra[extraThreshold], 64)
		if err != nil {
			r.log.Warn("router: phrase has no usable threshold", "id", res.ID, "error", err)
			continue
		}
		threshold := AdjustThreshold(base, r.cfg.Sensitivity)
		topic := res.Metadata.Extra[extraTopic]
		r.log.Debug("router: evaluating route", "topic", topic, "distance", res.Distance, "threshold", threshold)
		if float64(res.Distance) <= threshold {
			m := Match{
				Matched:   true,
				Topic:     topic,
				Action:    res.Metadata.Extra[extraAction],
				Text:      res.Metadata.Extra[extraText],
				Distance:  res.Distance,
				Threshold: threshold,
			}
			r.log.Info("router: route matched", "topic", m.Topic, "action", m.Action, "distance", m.Distance)
			return m, nil
		}
	}
	return Match{}, nil
}

// Invoke runs the matched route's action against w.
func (r *Router) Invoke(ctx context.Context, m Match, w Writer) error {
	fn, ok := r.cfg.Actions[m.Action]
	if !ok {
		return fmt.Errorf("router: unknown action %q for topic %q", m.Action, m.Topic)
	}
	return fn(ctx, w, m)
}

// Routes returns the parsed definition file.
func (r *Router) Routes() ([]Route, error) {
	return LoadRoutes(r.cfg.File, r.cfg.Actions)
}
