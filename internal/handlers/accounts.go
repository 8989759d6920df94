package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pinchtab/postbridge/internal/poster"
	"github.com/pinchtab/postbridge/internal/store"
	"github.com/pinchtab/postbridge/internal/types"
	"github.com/pinchtab/postbridge/internal/web"
)

// statusFor maps a procedure's error code to an HTTP status. Procedure
// outcomes such as a rejected login are reported with 200 and success=false;
// only lookup, input and availability failures change the status line.
func statusFor(code types.ErrorCode) int {
	switch code {
	case "":
		return 200
	case types.ErrAccountNotFound, types.ErrProxyNotFound:
		return 404
	case types.ErrInvalidRequest:
		return 400
	case types.ErrPoolClosed:
		return 503
	case types.ErrProxyUnhealthy:
		return 502
	}
	return 200
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	res := h.Automation.Login(r.Context(), r.PathValue("id"))
	web.JSON(w, statusFor(res.Error), res)
}

func (h *Handlers) HandleCheckHealth(w http.ResponseWriter, r *http.Request) {
	res := h.Automation.CheckHealth(r.Context(), r.PathValue("id"))
	web.JSON(w, statusFor(res.Error), res)
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	res := h.Automation.DeleteSession(r.Context(), r.PathValue("id"))
	web.JSON(w, statusFor(res.Error), res)
}

func (h *Handlers) HandleTestPreview(w http.ResponseWriter, r *http.Request) {
	res := h.Automation.TestPreview(r.Context(), r.PathValue("id"))
	web.JSON(w, statusFor(res.Error), res)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Automation.GetStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		web.Fail(w, 404, string(types.ErrAccountNotFound), "account not found")
		return
	}
	if err != nil {
		web.Error(w, 500, err)
		return
	}
	web.JSON(w, 200, st)
}

type postRequest struct {
	Content    string   `json:"content"`
	MediaPaths []string `json:"mediaPaths"`
}

func (h *Handlers) HandlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := web.ReadJSON(r, &req); err != nil {
		web.Fail(w, 400, string(types.ErrInvalidRequest), err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.MediaPaths) == 0 {
		web.Fail(w, 400, string(types.ErrInvalidRequest), "content or mediaPaths required")
		return
	}
	res := h.Automation.Post(r.Context(), poster.Request{
		AccountID:  r.PathValue("id"),
		Content:    req.Content,
		MediaPaths: req.MediaPaths,
	})
	web.JSON(w, statusFor(res.Error), res)
}

func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		web.Fail(w, 503, "", "preview disabled")
		return
	}
	h.Preview.Serve(w, r, r.PathValue("id"))
}
