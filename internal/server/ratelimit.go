package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragstream/internal/logging"
)

// defaultRateLimit is the number of requests per second allowed per IP on
// rate-limited endpoints when no explicit limit is configured.
const defaultRateLimit = 10

// defaultRateBurst is the maximum burst size per IP when no explicit burst is
// configured. A burst of 20 allows short spikes without immediate rejection.
const defaultRateBurst = 20

const (
	// maxTrackedIPs bounds the limiter table; the least recently seen IP
	// is dropped first.
	maxTrackedIPs = 10_000
	// idleTTL forgets an IP that has been quiet this long.
	idleTTL = 5 * time.Minute
)

// rateLimiter is an HTTP middleware that enforces a per-IP token-bucket rate
// limit. Per-IP state lives in an expiring LRU so memory stays bounded.
type rateLimiter struct {
	// mu serialises get-or-create on the limiter table.
	mu sync.Mutex
	// limiters maps remote IP to its token bucket.
	limiters *expirable.LRU[string, *rate.Limiter]
	// rps is the sustained request rate allowed per IP (requests/second).
	rps rate.Limit
	// burst is the maximum instantaneous burst per IP.
	burst int
	// log is the structured logger for rate-limit events.
	log *slog.Logger
}

// newRateLimiter constructs a rateLimiter. The returned stop function drops
// all per-IP state.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedIPs, nil, idleTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
	}
	return rl, rl.limiters.Purge
}

// getLimiter returns the per-IP limiter for ip, creating one if needed.
// Re-adding an entry restarts its idle TTL.
func (rl *rateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.limiters.Add(ip, lim)
	return lim
}

// middleware returns an http.Handler that enforces the rate limit before
// delegating to next. Requests that exceed the limit receive 429 Too Many
// Requests with a Retry-After header and a structured WARN log entry.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.getLimiter(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
