package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/web"
)

// Metrics holds process-wide request counters reported by /health.
type Metrics struct {
	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	latencyMs      atomic.Uint64
	rateLimited    atomic.Uint64
}

func (m *Metrics) Snapshot() map[string]any {
	total := m.requestsTotal.Load()
	avgMs := 0.0
	if total > 0 {
		avgMs = float64(m.latencyMs.Load()) / float64(total)
	}
	return map[string]any{
		"requestsTotal":  total,
		"requestsFailed": m.requestsFailed.Load(),
		"avgLatencyMs":   avgMs,
		"rateLimited":    m.rateLimited.Load(),
	}
}

func LoggingMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &web.StatusWriter{ResponseWriter: w, Code: 200}
		next.ServeHTTP(sw, r)
		ms := uint64(time.Since(start).Milliseconds())
		if m != nil {
			m.requestsTotal.Add(1)
			m.latencyMs.Add(ms)
			if sw.Code >= 400 {
				m.requestsFailed.Add(1)
			}
		}
		slog.Info("request",
			"requestId", w.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Code,
			"ms", ms,
		)
	})
}

// AuthMiddleware requires the bearer token when one is configured. Browser
// websocket clients cannot set headers, so the preview stream also accepts
// ?token=.
func AuthMiddleware(cfg *config.RuntimeConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg == nil || cfg.Token == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" && strings.HasSuffix(r.URL.Path, "/preview") {
			got = r.URL.Query().Get("token")
		}
		if got == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="postbridge", error="missing_token"`)
			web.Fail(w, 401, "missing_token", "unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="postbridge", error="bad_token"`)
			web.Fail(w, 401, "bad_token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			rid = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimiter allows perSecond sustained requests per client with bursts
// up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether host may make a request now.
func (l *RateLimiter) Allow(host string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.swept) > l.idle {
		for k, c := range l.clients {
			if now.Sub(c.seen) > l.idle {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	c, ok := l.clients[host]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[host] = c
	}
	c.seen = now
	l.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// Middleware rejects over-limit requests with 429. /health and the preview
// stream are exempt.
func (l *RateLimiter) Middleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if p == "/health" || strings.HasSuffix(p, "/preview") {
			next.ServeHTTP(w, r)
			return
		}
		if !l.Allow(clientHost(r)) {
			if m != nil {
				m.rateLimited.Add(1)
			}
			w.Header().Set("Retry-After", "1")
			web.Fail(w, 429, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}
