package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
)

// MaxBodyBytes bounds request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

func JSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode", "err", err)
	}
}

func Error(w http.ResponseWriter, status int, err error) {
	Fail(w, status, "", err.Error())
}

// Fail writes the structured failure shape {success:false, message, error}.
// The error field is omitted when code is empty.
func Fail(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"success": false,
		"message": message,
	}
	if code != "" {
		payload["error"] = code
	}
	JSON(w, status, payload)
}

// ReadJSON decodes a request body into v. An empty body leaves v untouched.
func ReadJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// StatusWriter wraps ResponseWriter to capture the status code.
// It preserves Hijacker and Flusher interfaces for WebSocket support.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter is not a Hijacker")
}

func (w *StatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
