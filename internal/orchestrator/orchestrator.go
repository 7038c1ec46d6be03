// Package orchestrator executes queued chat jobs: it streams the model's
// output to the waiting client, persists the finished answer into the
// session collection, and recovers once from upstream capacity errors by
// undoing the turn's writes and re-queueing it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream/internal/embedder"
	"github.com/54b3r/ragstream/internal/llm"
	"github.com/54b3r/ragstream/internal/queue"
	"github.com/54b3r/ragstream/internal/rag"
	"github.com/54b3r/ragstream/internal/registry"
)

// TerminalMessage is written to the client when a turn fails.
const TerminalMessage = "Error streaming data"

// DefaultRetryDelay is the pause before re-queueing and the delay the retry
// job waits in the queue.
const DefaultRetryDelay = 2 * time.Second

// Queue is the subset of the job queue the orchestrator uses.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (queue.Job, error)
	Remove(ctx context.Context, id string) error
}

// Store is the subset of the vector store the orchestrator uses.
type Store interface {
	Add(ctx context.Context, collection string, records ...rag.Record) error
	DeleteByTurn(ctx context.Context, collection, turnID string) error
}

// TextEmbedder chunks and embeds text. *embedder.Chunker satisfies it.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string, maxTokens, overlap int) ([]embedder.Chunk, error)
}

// Liveness is the subset of the liveness tracker the orchestrator uses.
type Liveness interface {
	Remove(requestID string)
}

// Config configures an Orchestrator. Every collaborator is required.
type Config struct {
	Connector llm.Connector
	Embedder  TextEmbedder
	Store     Store
	Queue     Queue
	Channels  *registry.Registry
	Liveness  Liveness
	IDs       *queue.IDSource

	ChunkTokens  int
	ChunkOverlap int

	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// PersistPartial controls whether output generated before the client
	// disconnected is still embedded and stored.
	PersistPartial bool

	Logger  *slog.Logger
	Metrics *Metrics

	// Now stamps assistant records. Defaults to time.Now.
	Now func() time.Time
	// Sleep waits d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator is the queue handler for chat jobs.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Connector == nil:
		return nil, fmt.Errorf("orchestrator: connector is required")
	case cfg.Embedder == nil:
		return nil, fmt.Errorf("orchestrator: embedder is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("orchestrator: queue is required")
	case cfg.Channels == nil:
		return nil, fmt.Errorf("orchestrator: channel registry is required")
	case cfg.Liveness == nil:
		return nil, fmt.Errorf("orchestrator: liveness tracker is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = queue.NewIDSource()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 150
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle runs one job end to end. It is the queue.Handler for chat and
// chat-retry jobs. A returned error marks the job failed; the client has
// already been told by then.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) error {
	log := o.log.With("job_id", job.ID, "request_id", job.RequestID, "collection", job.Opts.CollectionName)

	if job.Inactive {
		// Flagged by the sweeper but not removed; close out the client.
		log.Debug("orchestrator: skipping inactive job")
		o.finish(job, false)
		return nil
	}
	ch, ok := o.cfg.Channels.Get(job.RequestID)
	if !ok {
		log.Debug("orchestrator: no response channel, skipping stale job")
		o.cfg.Metrics.outcome("stale")
		return nil
	}

	text, err := o.stream(ctx, job, ch, log)
	switch {
	case errors.Is(err, llm.ErrCapacityExhausted):
		if job.Name == queue.NameChatRetry {
			log.Error("orchestrator: upstream still saturated on retry, giving up", "error", err)
			o.cfg.Metrics.outcome("capacity_exhausted")
			o.finish(job, true)
			return fmt.Errorf("orchestrator: retry exhausted: %w", err)
		}
		// The channel stays open for the retry job.
		log.Warn("orchestrator: upstream has no free slot, retrying", "error", err)
		o.cfg.Metrics.outcome("retried")
		return o.Retry(ctx, job)

	case errors.Is(err, registry.ErrClientGone):
		log.Info("orchestrator: client disconnected mid-stream", "generated_chars", len(text))
		o.cfg.Metrics.outcome("client_gone")
		if o.cfg.PersistPartial {
			o.persist(ctx, job, text, log)
		}
		o.finish(job, false)
		return nil

	case err != nil:
		log.Error("orchestrator: stream failed", "error", err)
		o.cfg.Metrics.outcome("error")
		o.finish(job, true)
		return err
	}

	o.cfg.Metrics.outcome("ok")
	o.persist(ctx, job, text, log)
	o.finish(job, false)
	log.Debug("orchestrator: turn complete", "generated_chars", len(text))
	return nil
}

// stream copies fragments from the connector to ch, returning everything
// that was generated. A write failure stops reading and is returned as
// registry.ErrClientGone.
func (o *Orchestrator) stream(ctx context.Context, job *queue.Job, ch *registry.Channel, log *slog.Logger) (string, error) {
	s, err := o.cfg.Connector.Stream(ctx, job.Payload.FullPrompt)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Debug("orchestrator: close upstream stream", "error", cerr)
		}
	}()

	var acc strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), err
		}
		acc.WriteString(frag)
		o.cfg.Metrics.fragment()
		if werr := ch.Write(frag); werr != nil {
			return acc.String(), werr
		}
	}
}

// persist embeds the assistant's text and stores each chunk. Failures are
// logged and never reach the client.
func (o *Orchestrator) persist(ctx context.Context, job *queue.Job, text string, log *slog.Logger) {
	if strings.TrimSpace(text) == "" {
		return
	}
	chunks, err := o.cfg.Embedder.EmbedText(ctx, text, o.cfg.ChunkTokens, o.cfg.ChunkOverlap)
	if err != nil {
		log.Error("orchestrator: embed assistant response", "error", err)
		o.cfg.Metrics.persistFailure()
		return
	}
	now := o.cfg.Now()
	for i, c := range chunks {
		rec := rag.Record{
			ID:       uuid.NewString(),
			Vector:   c.Embedding,
			Document: c.Text,
			Metadata: rag.Metadata{
				Source:     rag.SourceLLM,
				TokenCount: c.TokenCount,
				DateAdded:  now,
				TurnID:     job.Opts.TurnID,
			},
		}
		if err := o.cfg.Store.Add(ctx, job.Opts.CollectionName, rec); err != nil {
			log.Error("orchestrator: store assistant chunk", "chunk", i, "error", err)
			o.cfg.Metrics.persistFailure()
		}
	}
}

// finish ends the turn: the client is no longer expected to heartbeat and
// the channel is closed, with a terminal message when failed is set.
func (o *Orchestrator) finish(job *queue.Job, failed bool) {
	o.cfg.Liveness.Remove(job.RequestID)
	if failed {
		o.cfg.Channels.Fail(job.RequestID, TerminalMessage)
		return
	}
	o.cfg.Channels.Release(job.RequestID)
}

// Retry converts job into a delayed chat-retry job. The old job is
// removed, the turn's vector records are deleted, and only then is the new
// job queued under the same request id so it streams to the same channel.
// If any step after removal fails the turn is lost and the client is told.
func (o *Orchestrator) Retry(ctx context.Context, job *queue.Job) error {
	log := o.log.With("job_id", job.ID, "request_id", job.RequestID, "turn_id", job.Opts.TurnID)

	if err := o.cfg.Sleep(ctx, o.cfg.RetryDelay); err != nil {
		log.Warn("orchestrator: retry abandoned during backoff", "error", err)
		o.finish(job, true)
		return fmt.Errorf("orchestrator: retry backoff: %w", err)
	}

	retryID := o.cfg.IDs.RetryID(job.ID)

	if err := o.cfg.Queue.Remove(ctx, job.ID); err != nil {
		log.Warn("orchestrator: could not remove original job", "error", err)
	}

	if err := o.cfg.Store.DeleteByTurn(ctx, job.Opts.CollectionName, job.Opts.TurnID); err != nil {
		log.Error("orchestrator: compensating delete failed, turn lost", "error", err)
		o.finish(job, true)
		return fmt.Errorf("orchestrator: compensating delete: %w", err)
	}

	next := queue.Job{
		ID:        retryID,
		RequestID: job.RequestID,
		Name:      queue.NameChatRetry,
		Payload:   job.Payload,
		Opts:      job.Opts,
	}
	if _, err := o.cfg.Queue.Enqueue(ctx, next, o.cfg.RetryDelay); err != nil {
		log.Error("orchestrator: re-enqueue failed, turn lost", "retry_id", retryID, "error", err)
		o.finish(job, true)
		return fmt.Errorf("orchestrator: re-enqueue: %w", err)
	}
	o.cfg.Metrics.retry()
	log.Info("orchestrator: job re-queued", "retry_id", retryID, "delay", o.cfg.RetryDelay)
	return nil
}
