package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "statusphere_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "statusphere_http_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter",
})

const maxTrackedClients = 10000

// rateLimiter is a token bucket per client IP: max requests per window,
// refilled continuously. Idle buckets expire.
type rateLimiter struct {
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int

	trustProxy bool
}

func newRateLimiter(max int, window time.Duration, trustProxy bool) *rateLimiter {
	return &rateLimiter{
		clients:    expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, 2*window),
		limit:      rate.Limit(float64(max) / window.Seconds()),
		burst:      max,
		trustProxy: trustProxy,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *rateLimiter) middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r, l.trustProxy)
		if !l.allow(key) {
			rateLimited.Inc()
			logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(1/float64(l.limit))+1))
			writeError(w, http.StatusTooManyRequests, "RateLimitExceeded", "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address. Behind a trusted proxy it returns the
// last X-Forwarded-For hop instead, which is the one the proxy appended;
// earlier hops are client-controlled.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Values("X-Forwarded-For"); len(fwd) > 0 {
			hops := strings.Split(fwd[len(fwd)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).
			Observe(time.Since(start).Seconds())
	})
}
