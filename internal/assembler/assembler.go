// Package assembler builds the model-ready prompt for one chat turn. It
// embeds the user's text, retrieves related history from the session
// collection, renders that history in chronological order between the
// system instructions and the new user turn, and persists the user's
// chunks so the turn can be undone if generation has to be retried.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream/internal/budget"
	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/rag"
)

const (
	// DefaultTopK is the number of history entries retrieved per turn.
	DefaultTopK = 10

	// DefaultInstructions is used when no instructions are configured.
	DefaultInstructions = "You are a helpful assistant. The conversation so far is shown below, oldest first. Answer the final USER message."

	separator  = "\n\n"
	userMarker = "USER: "
	llmMarker  = "\nLLM:"
)

var (
	// ErrEmbedding is returned when the user prompt cannot be embedded.
	ErrEmbedding = errors.New("assembler: embedding failed")

	// ErrRetrieval is returned when the session collection cannot be queried.
	ErrRetrieval = errors.New("assembler: retrieval failed")

	// ErrPersistence is returned when a user chunk cannot be written. The
	// turn must not be queued.
	ErrPersistence = errors.New("assembler: persistence failed")
)

// TextEmbedder chunks and embeds text. *embedder.Chunker satisfies it.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string, maxTokens, overlap int) ([]embedder.Chunk, error)
}

// Config configures an Assembler.
type Config struct {
	Embedder TextEmbedder
	Store    rag.VectorStore

	// ChunkTokens and ChunkOverlap size the user-prompt chunks.
	ChunkTokens  int
	ChunkOverlap int

	// TopK defaults to DefaultTopK.
	TopK int

	// Instructions prefix every prompt when a Request carries none.
	Instructions string

	// ContextTokens caps the estimated size of the assembled prompt. The
	// oldest retrieved entries are dropped until it fits. Zero disables
	// trimming.
	ContextTokens int

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Assembler builds prompts. It is safe for concurrent use.
type Assembler struct {
	cfg Config
	log *slog.Logger
}

// New returns an Assembler. Embedder and Store are required.
func New(cfg Config) (*Assembler, error) {
	if cfg.Embedder == nil || cfg.Store == nil {
		return nil, fmt.Errorf("assembler: embedder and store are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = budget.DefaultLimits().MaxSize
	}
	cfg.ChunkOverlap = budget.ClampOverlap(cfg.ChunkTokens, cfg.ChunkOverlap)
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Assembler{cfg: cfg, log: cfg.Logger}, nil
}

// Request is one user turn.
type Request struct {
	Prompt         string
	CollectionName string
	// Instructions overrides the configured instructions when set.
	Instructions string
	// Context is optional caller-supplied text rendered after retrieved
	// history and before the user turn.
	Context string
}

// Result is an assembled turn.
type Result struct {
	FullPrompt string
	// TurnID correlates every record written for this turn.
	TurnID string
	// Embedding is the first chunk's vector, reused for semantic routing.
	Embedding []float32
	// Retrieved is the number of history entries rendered.
	Retrieved int
}

// Embed chunks and embeds prompt with the configured sizing. The server
// uses it to consult the router before committing to a full assembly.
func (a *Assembler) Embed(ctx context.Context, prompt string) ([]embedder.Chunk, error) {
	chunks, err := a.cfg.Embedder.EmbedText(ctx, prompt, a.cfg.ChunkTokens, a.cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: prompt produced no chunks", ErrEmbedding)
	}
	return chunks, nil
}

// Assemble builds the prompt for req and persists its user chunks.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Result, error) {
	chunks, err := a.Embed(ctx, req.Prompt)
	if err != nil {
		return Result{}, err
	}
	return a.AssembleChunks(ctx, req, chunks)
}

// AssembleChunks is Assemble with the prompt already embedded. The first
// chunk's embedding is the retrieval query; longer prompts are represented
// by their opening only.
func (a *Assembler) AssembleChunks(ctx context.Context, req Request, chunks []embedder.Chunk) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("%w: no chunks", ErrEmbedding)
	}
	log := a.log.With("collection", req.CollectionName)
	query := chunks[0].Embedding

	results, err := a.cfg.Store.Query(ctx, req.CollectionName, query, a.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	// Relevance picks the set; recency orders it.
	rag.SortChronological(results)

	instructions := req.Instructions
	if instructions == "" {
		instructions = a.cfg.Instructions
	}

	items := make([]string, len(results))
	for i, r := range results {
		items[i] = separator + r.Metadata.Source + ": " + r.Document
	}
	tail := ""
	if req.Context != "" {
		tail = separator + "CONTEXT: " + req.Context
	}
	tail += separator + userMarker + req.Prompt + llmMarker

	if drop := budget.DropOldest(budget.Estimate(instructions+tail), items, a.cfg.ContextTokens); drop > 0 {
		log.Debug("assembler: dropped oldest history to fit context", "dropped", drop, "kept", len(items)-drop)
		items = items[drop:]
	}

	var sb strings.Builder
	sb.WriteString(instructions)
	for _, it := range items {
		sb.WriteString(it)
	}
	sb.WriteString(tail)

	turnID := a.cfg.NewID()
	if err := a.persist(ctx, req.CollectionName, turnID, chunks); err != nil {
		// Drop chunks written before the failure.
		if derr := a.cfg.Store.DeleteByTurn(context.WithoutCancel(ctx), req.CollectionName, turnID); derr != nil {
			log.Warn("assembler: partial turn left behind", "turn_id", turnID, "error", derr)
		}
		return Result{}, err
	}
	log.Debug("assembler: turn assembled", "turn_id", turnID, "retrieved", len(items), "chunks", len(chunks))

	return Result{
		FullPrompt: sb.String(),
		TurnID:     turnID,
		Embedding:  query,
		Retrieved:  len(items),
	}, nil
}

// persist writes every user chunk tagged with turnID. Each chunk is a
// separate record with its own id so a failure names the chunk.
func (a *Assembler) persist(ctx context.Context, collection, turnID string, chunks []embedder.Chunk) error {
	now := a.cfg.Now()
	for i, c := range chunks {
		rec := rag.Record{
			ID:       uuid.NewString(),
			Vector:   c.Embedding,
			Document: c.Text,
			Metadata: rag.Metadata{
				Source:     rag.SourceUser,
				TokenCount: c.TokenCount,
				DateAdded:  now,
				TurnID:     turnID,
			},
		}
		if err := a.cfg.Store.Add(ctx, collection, rec); err != nil {
			return fmt.Errorf("%w: chunk %d of %d: %w", ErrPersistence, i+1, len(chunks), err)
		}
	}
	return nil
}
