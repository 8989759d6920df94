package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pinchtab/postbridge/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	cfg := &config.RuntimeConfig{Token: ""}

	called := false
	handler := AuthMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should have been called")
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.RuntimeConfig{Token: "secret123"}
	tests := []struct {
		name   string
		path   string
		header string
		want   int
		reason string
	}{
		{"valid", "/sessions", "Bearer secret123", 200, ""},
		{"missing", "/sessions", "", 401, "missing_token"},
		{"wrong", "/sessions", "Bearer wrong", 401, "bad_token"},
		{"preview query", "/accounts/a/preview?token=secret123", "", 200, ""},
		{"query elsewhere", "/sessions?token=secret123", "", 401, "missing_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(cfg, okHandler()).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.reason != "" {
				if got := w.Header().Get("WWW-Authenticate"); got != `Bearer realm="postbridge", error="`+tt.reason+`"` {
					t.Errorf("WWW-Authenticate = %q", got)
				}
			}
		})
	}
}

func TestCorsMiddleware(t *testing.T) {
	handler := CorsMiddleware(okHandler())

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Errorf("OPTIONS expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
		t.Errorf("allow methods = %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if len(w.Header().Get("X-Request-Id")) != 16 {
		t.Errorf("generated id = %q", w.Header().Get("X-Request-Id"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "caller-id" {
		t.Errorf("propagated id = %q", got)
	}
}

func TestLoggingMiddlewareCounts(t *testing.T) {
	m := &Metrics{}
	handler := LoggingMiddleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/good", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/bad", nil))

	snap := m.Snapshot()
	if snap["requestsTotal"] != uint64(2) || snap["requestsFailed"] != uint64(1) {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	m := &Metrics{}
	l := NewRateLimiter(0.001, 2)
	handler := l.Middleware(m, okHandler())

	hit := func(path, addr string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := hit("/sessions", "10.0.0.1:5000"); code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := hit("/sessions", "10.0.0.1:5001"); code != 429 {
		t.Errorf("over limit: expected 429, got %d", code)
	}
	if code := hit("/sessions", "10.0.0.2:5000"); code != 200 {
		t.Errorf("other client: expected 200, got %d", code)
	}
	if code := hit("/health", "10.0.0.1:5000"); code != 200 {
		t.Errorf("health exempt: expected 200, got %d", code)
	}
	if m.Snapshot()["rateLimited"] != uint64(1) {
		t.Errorf("rateLimited = %v", m.Snapshot()["rateLimited"])
	}
}

func TestClientHost(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := clientHost(req); got != "192.0.2.7" {
		t.Errorf("remote addr host = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientHost(req); got != "203.0.113.9" {
		t.Errorf("forwarded host = %q", got)
	}
}

func TestHandlerChain(t *testing.T) {
	h := New(&config.RuntimeConfig{Token: "t"}, newMockAutomation(), nil, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)
	chain := h.Handler(mux, NewRateLimiter(100, 10))

	w := httptest.NewRecorder()
	chain.ServeHTTP(w, httptest.NewRequest("GET", "/sessions", nil))
	if w.Code != 401 {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("request id missing")
	}

	req := httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "Bearer t")
	w = httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}
