package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pinchtab/postbridge/internal/web"
)

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"metrics": h.Metrics.Snapshot(),
	}
	if h.Automation != nil {
		resp["sessions"] = len(h.Automation.Sessions())
	}
	web.JSON(w, 200, resp)
}

func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"sessions": h.Automation.Sessions()}
	if h.Preview != nil {
		resp["viewers"] = h.Preview.Stats()
	}
	web.JSON(w, 200, resp)
}

func (h *Handlers) HandleShutdown(shutdownFn func()) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("shutdown requested via API")
		web.JSON(w, 200, map[string]any{"status": "shutting down"})

		go func() {
			time.Sleep(100 * time.Millisecond)
			shutdownFn()
		}()
	}
}
