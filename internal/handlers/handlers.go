// Package handlers exposes the automation procedures, the proxy health
// checker and the live preview over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pinchtab/postbridge/internal/automation"
	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/poster"
	"github.com/pinchtab/postbridge/internal/proxyhealth"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/types"
)

type Automation interface {
	Login(ctx context.Context, accountID string) types.LoginResult
	CheckHealth(ctx context.Context, accountID string) automation.HealthResult
	DeleteSession(ctx context.Context, accountID string) automation.Result
	TestPreview(ctx context.Context, accountID string) automation.Result
	GetStatus(ctx context.Context, accountID string) (types.AccountStatus, error)
	Post(ctx context.Context, req poster.Request) types.PostResult
	Sessions() []session.Info
}

type ProxyHealth interface {
	Device(id string) (proxyhealth.Device, error)
	CheckConnection(ctx context.Context, deviceID string) bool
	Reconnect(ctx context.Context, deviceID, providerID string) bool
	CheckAll(ctx context.Context) proxyhealth.Summary
	State(deviceID string) (proxyhealth.DeviceState, bool)
	States() []proxyhealth.DeviceState
}

type Preview interface {
	Serve(w http.ResponseWriter, r *http.Request, accountID string)
	Stats() map[string]int
}

type Handlers struct {
	Config     *config.RuntimeConfig
	Automation Automation
	// Proxies is nil when no device API key is configured.
	Proxies ProxyHealth
	Preview Preview
	Version string
	Metrics *Metrics

	started time.Time
}

func New(cfg *config.RuntimeConfig, a Automation, p ProxyHealth, pv Preview) *Handlers {
	return &Handlers{
		Config:     cfg,
		Automation: a,
		Proxies:    p,
		Preview:    pv,
		Version:    "dev",
		Metrics:    &Metrics{},
		started:    time.Now(),
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /sessions", h.HandleSessions)

	mux.HandleFunc("POST /accounts/{id}/login", h.HandleLogin)
	mux.HandleFunc("GET /accounts/{id}/health", h.HandleCheckHealth)
	mux.HandleFunc("DELETE /accounts/{id}/session", h.HandleDeleteSession)
	mux.HandleFunc("GET /accounts/{id}/status", h.HandleStatus)
	mux.HandleFunc("POST /accounts/{id}/posts", h.HandlePost)
	mux.HandleFunc("POST /accounts/{id}/preview/test", h.HandleTestPreview)
	mux.HandleFunc("GET /accounts/{id}/preview", h.HandlePreview)

	mux.HandleFunc("GET /proxy-health/devices", h.HandleDevices)
	mux.HandleFunc("GET /proxy-health/devices/{id}", h.HandleDeviceCheck)
	mux.HandleFunc("POST /proxy-health/devices/{id}/reconnect", h.HandleDeviceReconnect)
	mux.HandleFunc("POST /proxy-health/check", h.HandleCheckAll)

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.HandleShutdown(doShutdown))
	}
}

// Handler returns mux wrapped in the middleware chain, outermost first:
// request id, logging, CORS, auth, rate limit.
func (h *Handlers) Handler(mux http.Handler, limiter *RateLimiter) http.Handler {
	next := mux
	if limiter != nil {
		next = limiter.Middleware(h.Metrics, next)
	}
	next = AuthMiddleware(h.Config, next)
	next = CorsMiddleware(next)
	next = LoggingMiddleware(h.Metrics, next)
	return RequestIDMiddleware(next)
}
