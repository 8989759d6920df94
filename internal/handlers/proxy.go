package handlers

import (
	"errors"
	"net/http"

	"github.com/pinchtab/postbridge/internal/proxyhealth"
	"github.com/pinchtab/postbridge/internal/web"
)

func (h *Handlers) proxiesEnabled(w http.ResponseWriter) bool {
	if h.Proxies == nil {
		web.Fail(w, 503, "", "proxy health checking disabled: no device API key configured")
		return false
	}
	return true
}

func (h *Handlers) device(w http.ResponseWriter, r *http.Request) (proxyhealth.Device, bool) {
	d, err := h.Proxies.Device(r.PathValue("id"))
	if errors.Is(err, proxyhealth.ErrUnknownDevice) {
		web.Fail(w, 404, "DEVICE_NOT_FOUND", err.Error())
		return d, false
	}
	if err != nil {
		web.Error(w, 500, err)
		return d, false
	}
	return d, true
}

func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if !h.proxiesEnabled(w) {
		return
	}
	web.JSON(w, 200, map[string]any{"devices": h.Proxies.States()})
}

func (h *Handlers) HandleDeviceCheck(w http.ResponseWriter, r *http.Request) {
	if !h.proxiesEnabled(w) {
		return
	}
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	healthy := h.Proxies.CheckConnection(r.Context(), d.ID)
	resp := map[string]any{"deviceId": d.ID, "healthy": healthy}
	if st, ok := h.Proxies.State(d.ID); ok && st.Error != "" {
		resp["error"] = st.Error
	}
	web.JSON(w, 200, resp)
}

func (h *Handlers) HandleDeviceReconnect(w http.ResponseWriter, r *http.Request) {
	if !h.proxiesEnabled(w) {
		return
	}
	var req struct {
		ProxyProviderID string `json:"proxyProviderId"`
	}
	if err := web.ReadJSON(r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	reconnected := h.Proxies.Reconnect(r.Context(), d.ID, req.ProxyProviderID)
	web.JSON(w, 200, map[string]any{"deviceId": d.ID, "reconnected": reconnected})
}

func (h *Handlers) HandleCheckAll(w http.ResponseWriter, r *http.Request) {
	if !h.proxiesEnabled(w) {
		return
	}
	web.JSON(w, 200, h.Proxies.CheckAll(r.Context()))
}
