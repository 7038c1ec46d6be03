package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream/internal/logging"
)

// requestIDHeader carries the request id in both directions. An inbound
// value is honoured so a proxy's id survives into our logs.
const requestIDHeader = "X-Request-Id"

// requestLogger is an [http.Handler] middleware that:
//  1. Resolves a request_id (inbound header or a fresh UUID) and echoes it.
//  2. Injects a child [*slog.Logger] carrying that ID into the request context.
//  3. Logs method, path, status code, and latency on completion.
func requestLogger(base *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		log := base.With(
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)

		r = r.WithContext(logging.WithLogger(r.Context(), log))
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		if r.URL.Path == "/heartbeat" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		log.Log(r.Context(), level, "request",
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// statusWriter wraps [http.ResponseWriter] to capture the status code
// written by the handler. It forwards Flush so streamed chat fragments
// still reach the client immediately.
type statusWriter struct {
	http.ResponseWriter
	// status is the HTTP status code sent to the client.
	status int
	// wrote is set once the header has gone out.
	wrote bool
}

// WriteHeader captures the status code before delegating to the underlying writer.
func (rw *statusWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.status = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write marks the implicit 200 before delegating.
func (rw *statusWriter) Write(p []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(p)
}

// Flush implements [http.Flusher].
func (rw *statusWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (rw *statusWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
