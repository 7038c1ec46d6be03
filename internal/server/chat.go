package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/ragstream/internal/assembler"
	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/queue"
	"github.com/54b3r/ragstream/internal/registry"
)

// Chat outcomes recorded on ragstream_chat_requests_total.
const (
	outcomeQueued   = "queued"
	outcomeRouted   = "routed"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// handleChat handles POST /chat. The request is admitted (channel
// registered, liveness armed, prompt assembled, job enqueued) and the
// handler then holds the response open until a worker closes the channel or
// the client goes away. A prompt matching a semantic route is answered by
// the route's action instead and never reaches the queue.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.chatRequestsTotal.WithLabelValues(outcomeRejected).Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	collection := req.collection()
	if strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.RequestID) == "" || strings.TrimSpace(collection) == "" {
		s.metrics.chatRequestsTotal.WithLabelValues(outcomeRejected).Inc()
		http.Error(w, "prompt, requestId and collectionName are required", http.StatusBadRequest)
		return
	}
	log = log.With(slog.String("chat_request_id", req.RequestID), slog.String("collection", collection))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	ch := registry.FromResponseWriter(w, nil)
	if err := s.deps.Channels.Register(req.RequestID, ch); err != nil {
		s.metrics.chatRequestsTotal.WithLabelValues(outcomeRejected).Inc()
		log.Warn("chat: duplicate request id", slog.Any("error", err))
		http.Error(w, "request already streaming", http.StatusConflict)
		return
	}

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	// The client is alive by virtue of having just asked.
	s.deps.Liveness.Beat(req.RequestID)

	outcome, err := s.admit(r.Context(), req, collection, ch, log)
	if err != nil {
		s.deps.Liveness.Remove(req.RequestID)
		s.deps.Channels.Release(req.RequestID)
		s.observeChat(outcomeError, start)
		if errors.Is(err, queue.ErrDuplicateJob) {
			log.Warn("chat: request id already used", slog.Any("error", err))
			http.Error(w, "request id already used", http.StatusConflict)
			return
		}
		log.Error("chat: admission failed", slog.Any("error", err))
		http.Error(w, "Error adding job to queue", http.StatusInternalServerError)
		return
	}

	select {
	case <-ch.Done():
	case <-r.Context().Done():
		// Later writes from the worker must not touch a finished response.
		ch.Detach()
		log.Info("chat: client disconnected before stream end")
	}
	s.observeChat(outcome, start)
}

// admit runs everything between registration and the queue. On a route
// match the reply is written and the channel released here.
func (s *Server) admit(ctx context.Context, req chatRequest, collection string, ch *registry.Channel, log *slog.Logger) (string, error) {
	chunks, err := s.deps.Assembler.Embed(ctx, req.Prompt)
	if err != nil {
		return "", err
	}

	if s.deps.Router != nil {
		m, err := s.deps.Router.Match(ctx, chunks[0].Embedding)
		if err != nil {
			// Routing is an optimisation; generation still answers.
			log.Warn("chat: semantic routing failed", slog.Any("error", err))
		} else if m.Matched {
			s.deps.Liveness.Remove(req.RequestID)
			if err := s.deps.Router.Invoke(ctx, m, channelWriter{ch}); err != nil {
				log.Warn("chat: route action failed", slog.String("topic", m.Topic), slog.Any("error", err))
			}
			s.deps.Channels.Release(req.RequestID)
			return outcomeRouted, nil
		}
	}

	res, err := s.deps.Assembler.AssembleChunks(ctx, assembler.Request{
		Prompt:         req.Prompt,
		CollectionName: collection,
		Context:        req.Context,
	}, chunks)
	if err != nil {
		return "", err
	}

	job, err := s.deps.Queue.Enqueue(ctx, queue.Job{
		ID:        req.RequestID,
		RequestID: req.RequestID,
		Name:      queue.NameChat,
		Payload:   queue.Payload{FullPrompt: res.FullPrompt},
		Opts:      queue.Options{CollectionName: collection, TurnID: res.TurnID},
	}, 0)
	if err != nil {
		return "", fmt.Errorf("chat: enqueue: %w", err)
	}
	log.Info("chat: job queued",
		slog.String("job_id", job.ID),
		slog.String("turn_id", res.TurnID),
		slog.Int("retrieved", res.Retrieved),
	)
	return outcomeQueued, nil
}

// observeChat records the outcome and duration of one chat request.
func (s *Server) observeChat(outcome string, start time.Time) {
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// channelWriter adapts a response channel to the byte writer route actions
// expect.
type channelWriter struct {
	ch *registry.Channel
}

// Write sends p as one fragment.
func (c channelWriter) Write(p []byte) (int, error) {
	if err := c.ch.Write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleHeartbeat handles POST /heartbeat. It always answers 200 so a
// client never treats a late heartbeat as an error.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.FromContext(r.Context()).Debug("heartbeat: unreadable body", slog.Any("error", err))
	}
	if req.RequestID != "" {
		s.deps.Liveness.Beat(req.RequestID)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Heartbeat received for %s", req.RequestID)
}

// handleHeartbeatInterval handles GET /heartbeat-interval. Clients beat at
// half the liveness window so one lost beat never expires them.
func (s *Server) handleHeartbeatInterval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, heartbeatIntervalResponse{
		HeartbeatInterval: s.deps.Liveness.Window().Milliseconds() / 2,
	})
}
