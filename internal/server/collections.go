package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/rag"
)

// newCollectionName returns chat-<unix ms>-<suffix>. The timestamp is what
// the janitor ages collections by.
func (s *Server) newCollectionName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("chat-%d-%s", s.now().UnixMilli(), suffix)
}

// handleInitCollection handles GET /init-collection. A failed create is
// logged and the name still returned; the first turn's write creates the
// collection anyway.
func (s *Server) handleInitCollection(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	name := s.newCollectionName()
	if err := s.deps.Collections.CreateCollection(r.Context(), name); err != nil {
		log.Warn("collection create failed", slog.String("collection", name), slog.Any("error", err))
	} else {
		log.Info("collection created", slog.String("collection", name))
	}
	writeJSON(w, r, http.StatusOK, collectionResponse{CollectionName: name})
}

// handleListCollections handles GET /api/collections.
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Collections.ListCollections(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("list collections failed", slog.Any("error", err))
		http.Error(w, "Error fetching collections", http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, r, http.StatusOK, collectionsResponse{Collections: names})
}

// handleGetCollection handles GET /api/collections/{name}. Records are
// returned oldest first.
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	results, err := s.deps.Collections.Peek(r.Context(), name, s.cfg.PeekLimit)
	switch {
	case errors.Is(err, rag.ErrCollectionNotFound):
		http.Error(w, "collection not found", http.StatusNotFound)
		return
	case err != nil:
		logging.FromContext(r.Context()).Error("peek collection failed",
			slog.String("collection", name), slog.Any("error", err))
		http.Error(w, "Error fetching collection", http.StatusInternalServerError)
		return
	}
	rag.SortChronological(results)

	body := collectionResponseBody{Name: name, Records: make([]recordView, 0, len(results))}
	for _, res := range results {
		body.Records = append(body.Records, recordView{
			ID:         res.ID,
			Source:     res.Metadata.Source,
			Document:   res.Document,
			TokenCount: res.Metadata.TokenCount,
			DateAdded:  res.Metadata.DateAdded,
			TurnID:     res.Metadata.TurnID,
		})
	}
	writeJSON(w, r, http.StatusOK, body)
}

// handleDeleteCollection handles DELETE /api/collections/{name}.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Collections.DeleteCollection(r.Context(), name); err != nil {
		logging.FromContext(r.Context()).Error("delete collection failed",
			slog.String("collection", name), slog.Any("error", err))
		http.Error(w, "Error deleting collection", http.StatusInternalServerError)
		return
	}
	logging.FromContext(r.Context()).Info("collection deleted", slog.String("collection", name))
	writeJSON(w, r, http.StatusOK, deleteResponse{Deleted: []string{name}})
}

// handleDeleteCollections handles DELETE /api/collections. It stops at the
// first failure.
func (s *Server) handleDeleteCollections(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	names, err := s.deps.Collections.ListCollections(r.Context())
	if err != nil {
		log.Error("list collections failed", slog.Any("error", err))
		http.Error(w, "Error deleting collections", http.StatusInternalServerError)
		return
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if err := s.deps.Collections.DeleteCollection(r.Context(), name); err != nil {
			log.Error("delete collection failed",
				slog.String("collection", name),
				slog.Int("deleted_before_failure", len(deleted)),
				slog.Any("error", err),
			)
			http.Error(w, "Error deleting collections", http.StatusInternalServerError)
			return
		}
		deleted = append(deleted, name)
	}
	log.Info("collections deleted", slog.Int("count", len(deleted)))
	writeJSON(w, r, http.StatusOK, deleteResponse{Deleted: deleted})
}

// handleQueue handles GET /api/queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("queue counts failed", slog.Any("error", err))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, http.StatusOK, queueResponse{Jobs: counts})
}
