package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_Metrics_EndpointServesRegistry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.do(http.MethodGet, "/api/health", "")

	w := h.do(http.MethodGet, "/metrics", "")

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "ragstream_http_requests_total") {
		t.Error("expected ragstream_http_requests_total in exposition")
	}
}

func Test_Metrics_HTTPLabelledByPattern(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.do(http.MethodGet, "/api/collections/chat-1", "")
	h.do(http.MethodGet, "/api/collections/chat-2", "")

	c := h.srv.metrics.httpRequestsTotal.WithLabelValues(http.MethodGet, "GET /api/collections/{name}", "200")
	if got := testutil.ToFloat64(c); got != 2 {
		t.Errorf("want 2 requests under the route pattern, got %v", got)
	}
}

func Test_Metrics_ChatOutcomes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.queue.onEnqueue = streamWorker(h.channels, "ok")

	h.do(http.MethodPost, "/chat", `{"prompt":"hi","requestId":"r1","collectionName":"c"}`)
	h.do(http.MethodPost, "/chat", `{}`)

	if got := testutil.ToFloat64(h.srv.metrics.chatRequestsTotal.WithLabelValues(outcomeQueued)); got != 1 {
		t.Errorf("queued: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(h.srv.metrics.chatRequestsTotal.WithLabelValues(outcomeRejected)); got != 1 {
		t.Errorf("rejected: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(h.srv.metrics.chatActiveStreams); got != 0 {
		t.Errorf("active streams: want 0 after completion, got %v", got)
	}
}
