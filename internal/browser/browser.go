// Package browser defines the driver contract used by the session pool, the
// login handler, the poster and the screencast service, and implements it on
// top of chromedp.
//
// One Driver owns one Chrome process. Each account gets its own Context (a
// CDP browser context with its own cookie jar and proxy), and each operation
// opens Pages inside it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout  = errors.New("timed out waiting for element")
	ErrNotFound = errors.New("no element matches selector")
	ErrClosed   = errors.New("browser closed")
)

type Driver interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}

// Context is an isolated, cookie-carrying browser environment.
type Context interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Close(ctx context.Context) error
}

type Page interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// WaitVisible blocks until selector is visible or timeout elapses, in
	// which case the error wraps ErrTimeout.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Visible is a non-blocking probe.
	Visible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	// Press sends one key to the focused element, e.g. KeyEnter.
	Press(ctx context.Context, key string) error
	SetInputFiles(ctx context.Context, selector string, files []string) error
	Capture(ctx context.Context) (Capture, error)
	Close(ctx context.Context) error
}

// KeyEnter is the key string Press understands for Return.
const KeyEnter = "\r"

// Capture is a frame-capture handle on one page. Frames are delivered to the
// OnFrame handler in capture order. The source stops emitting until each
// frame is acknowledged with Ack.
type Capture interface {
	OnFrame(fn func(Frame))
	Start(ctx context.Context, opts ScreencastOptions) error
	Ack(ctx context.Context, sessionID int64) error
	Stop(ctx context.Context) error
	// Detach removes the frame handler. Safe to call more than once and on
	// a handle whose page is already gone.
	Detach() error
}

// Frame is one encoded screencast frame as it came off the wire.
type Frame struct {
	Data      string // base64
	SessionID int64
	Timestamp time.Time
}

type ScreencastOptions struct {
	Quality       int
	MaxWidth      int
	MaxHeight     int
	EveryNthFrame int
}

func (o ScreencastOptions) withDefaults() ScreencastOptions {
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 40
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = 1280
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 720
	}
	if o.EveryNthFrame <= 0 {
		o.EveryNthFrame = 1
	}
	return o
}

// ProxyConfig binds a browser context to an upstream proxy.
type ProxyConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"-"`
	ProviderID string `json:"providerId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

func (p *ProxyConfig) Server() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

func (p *ProxyConfig) HasAuth() bool {
	return p != nil && p.Username != ""
}

type ContextOptions struct {
	AccountID string
	Proxy     *ProxyConfig
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}
