// Package login drives credential entry on the platform's login flow and
// classifies how it ended.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/types"
)

const operation = "login"

// Pool is the part of the session pool the handler uses.
type Pool interface {
	AcquireContext(ctx context.Context, accountID string, proxy *browser.ProxyConfig) (*session.Session, error)
	ReleaseContext(accountID string)
	CheckSessionHealth(ctx context.Context, accountID string) (types.SessionStatus, error)
	SaveSession(ctx context.Context, accountID string) error
}

// StatusSink receives step labels for live viewers.
type StatusSink interface {
	SetOperationStatus(accountID, operation, step string)
}

type Selectors struct {
	Username  string
	Password  string
	Submit    string
	Challenge string
	// Rejected is the toast the flow shows for unknown users and wrong
	// passwords.
	Rejected string
	// Home only renders for an authenticated session.
	Home string
}

func (s Selectors) withDefaults() Selectors {
	if s.Username == "" {
		s.Username = `input[autocomplete="username"]`
	}
	if s.Password == "" {
		s.Password = `input[name="password"]`
	}
	if s.Submit == "" {
		s.Submit = `[data-testid="LoginForm_Login_Button"]`
	}
	if s.Challenge == "" {
		s.Challenge = `[data-testid="ocfEnterTextTextInput"]`
	}
	if s.Rejected == "" {
		s.Rejected = `[data-testid="toast"]`
	}
	if s.Home == "" {
		s.Home = `[data-testid="SideNav_AccountSwitcher_Button"]`
	}
	return s
}

type Options struct {
	PlatformURL string
	LoginPath   string
	// LockedPathMarkers are URL fragments meaning the account needs manual
	// action before it can log in.
	LockedPathMarkers []string
	// Timeout bounds one whole login attempt.
	Timeout         time.Duration
	StepTimeout     time.Duration
	NavigateTimeout time.Duration
	PollInterval    time.Duration
	CloseTimeout    time.Duration
	Selectors       Selectors
}

func (o Options) withDefaults() Options {
	if o.PlatformURL == "" {
		o.PlatformURL = "https://x.com"
	}
	if o.LoginPath == "" {
		o.LoginPath = "/i/flow/login"
	}
	if len(o.LockedPathMarkers) == 0 {
		o.LockedPathMarkers = []string{"/account/access", "/account/suspended"}
	}
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	o.Selectors = o.Selectors.withDefaults()
	return o
}

type Handler struct {
	pool   Pool
	status StatusSink
	opts   Options
}

// New returns a handler. status may be nil.
func New(pool Pool, status StatusSink, opts Options) *Handler {
	return &Handler{pool: pool, status: status, opts: opts.withDefaults()}
}

// EnsureLoggedIn checks the session first and only runs the login flow when
// the account is not already authenticated. Calling it on a valid session
// costs one health probe and never re-enters credentials.
func (h *Handler) EnsureLoggedIn(ctx context.Context, accountID, username, password string, proxy *browser.ProxyConfig) types.LoginResult {
	sess, err := h.pool.AcquireContext(ctx, accountID, proxy)
	if err != nil {
		return failure(classify(err), "acquire session: "+err.Error())
	}
	defer h.pool.ReleaseContext(accountID)
	ctx = session.WithLease(ctx, sess)

	status, err := h.pool.CheckSessionHealth(ctx, accountID)
	if err == nil && status == types.SessionActive {
		return types.LoginResult{Success: true, Message: "session already active"}
	}
	if err != nil {
		slog.Warn("health check before login", "account", accountID, "err", err)
	}
	return h.LoginToX(ctx, accountID, username, password, proxy)
}

// LoginToX runs the credential flow in a fresh page of the account's
// context. Every failure comes back as a classified result.
func (h *Handler) LoginToX(ctx context.Context, accountID, username, password string, proxy *browser.ProxyConfig) (res types.LoginResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("login panicked", "account", accountID, "panic", r)
			res = failure(types.ErrUnclassified, fmt.Sprintf("login panicked: %v", r))
		}
		step := "done"
		if !res.Success {
			step = "failed"
		}
		h.step(accountID, step)
	}()

	if username == "" || password == "" {
		return failure(types.ErrCredentialsRejected, "username and password are required")
	}

	sess, err := h.pool.AcquireContext(ctx, accountID, proxy)
	if err != nil {
		return failure(classify(err), "acquire session: "+err.Error())
	}
	defer h.pool.ReleaseContext(accountID)
	ctx = session.WithLease(ctx, sess)

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	pg, err := sess.NewPage(ctx)
	if err != nil {
		return failure(classify(err), "open page: "+err.Error())
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), h.opts.CloseTimeout)
		defer ccancel()
		if err := sess.ClosePage(cctx, pg); err != nil {
			slog.Warn("close login page", "account", accountID, "err", err)
		}
	}()

	res = h.run(ctx, accountID, pg, username, password)
	if !res.Success {
		slog.Warn("login failed", "account", accountID, "code", res.Error, "message", res.Message)
		return res
	}

	sess.MarkStatus(types.SessionActive)
	if err := h.pool.SaveSession(ctx, accountID); err != nil {
		slog.Warn("save session after login", "account", accountID, "err", err)
	}
	slog.Info("login succeeded", "account", accountID)
	return res
}

type outcome int

const (
	outNone outcome = iota
	outPassword
	outChallenge
	outRejected
	outHome
)

type probe struct {
	selector string
	result   outcome
}

func (h *Handler) run(ctx context.Context, accountID string, pg browser.Page, username, password string) types.LoginResult {
	sel := h.opts.Selectors

	h.step(accountID, "navigate_login")
	nctx, cancel := context.WithTimeout(ctx, h.opts.NavigateTimeout)
	err := pg.Navigate(nctx, strings.TrimRight(h.opts.PlatformURL, "/")+h.opts.LoginPath)
	cancel()
	if err != nil {
		return failure(classify(err), "navigate to login: "+err.Error())
	}

	h.step(accountID, "enter_username")
	if err := pg.WaitVisible(ctx, sel.Username, h.opts.StepTimeout); err != nil {
		// The flow bounces authenticated sessions straight home.
		if ok, _ := pg.Visible(ctx, sel.Home); ok {
			return types.LoginResult{Success: true, Message: "already logged in"}
		}
		return missing(err, "username field")
	}
	if err := pg.Type(ctx, sel.Username, username); err != nil {
		return missing(err, "type username")
	}
	if err := pg.Press(ctx, browser.KeyEnter); err != nil {
		return failure(classify(err), "submit username: "+err.Error())
	}

	next, err := h.await(ctx, pg,
		probe{sel.Password, outPassword},
		probe{sel.Challenge, outChallenge},
		probe{sel.Rejected, outRejected},
	)
	switch {
	case err != nil:
		return missing(err, "password field")
	case next == outChallenge:
		return failure(types.ErrChallengeRequired, "platform asked for additional verification")
	case next == outRejected:
		return failure(types.ErrCredentialsRejected, "username was not accepted")
	}

	h.step(accountID, "enter_password")
	if err := pg.Type(ctx, sel.Password, password); err != nil {
		return missing(err, "type password")
	}
	if err := pg.Click(ctx, sel.Submit); err != nil {
		return missing(err, "login button")
	}

	h.step(accountID, "verify_login")
	end, err := h.await(ctx, pg,
		probe{sel.Home, outHome},
		probe{sel.Challenge, outChallenge},
		probe{sel.Rejected, outRejected},
	)
	switch {
	case err != nil:
		return failure(classify(err), "waiting for login result: "+err.Error())
	case end == outChallenge:
		return failure(types.ErrChallengeRequired, "platform asked for additional verification")
	case end == outRejected:
		return failure(types.ErrCredentialsRejected, "password was not accepted")
	}
	return types.LoginResult{Success: true, Message: "logged in"}
}

// await polls the probes in order until one becomes visible. A locked
// account URL counts as a challenge. It gives up after StepTimeout with an
// error wrapping browser.ErrTimeout.
func (h *Handler) await(ctx context.Context, pg browser.Page, probes ...probe) (outcome, error) {
	deadline := time.Now().Add(h.opts.StepTimeout)
	for {
		for _, p := range probes {
			ok, err := pg.Visible(ctx, p.selector)
			if err != nil {
				if errors.Is(err, browser.ErrClosed) || ctx.Err() != nil {
					return outNone, err
				}
				continue
			}
			if ok {
				return p.result, nil
			}
		}
		if u, err := pg.URL(ctx); err == nil {
			for _, m := range h.opts.LockedPathMarkers {
				if strings.Contains(u, m) {
					return outChallenge, nil
				}
			}
		}
		if !time.Now().Before(deadline) {
			return outNone, fmt.Errorf("%w: none of %d expected elements appeared", browser.ErrTimeout, len(probes))
		}
		select {
		case <-ctx.Done():
			return outNone, ctx.Err()
		case <-time.After(h.opts.PollInterval):
		}
	}
}

func (h *Handler) step(accountID, step string) {
	if h.status != nil {
		h.status.SetOperationStatus(accountID, operation, step)
	}
}

func failure(code types.ErrorCode, msg string) types.LoginResult {
	return types.LoginResult{Success: false, Message: msg, Error: code}
}

// missing reports an element that never showed up. A timeout here means the
// page layout is not what the flow expects.
func missing(err error, what string) types.LoginResult {
	code := classify(err)
	if code == types.ErrTimeout {
		code = types.ErrSelectorNotFound
	}
	return failure(code, what+": "+err.Error())
}

func classify(err error) types.ErrorCode {
	switch {
	case errors.Is(err, session.ErrPoolClosed):
		return types.ErrPoolClosed
	case errors.Is(err, session.ErrProxyUnhealthy):
		return types.ErrProxyUnhealthy
	case errors.Is(err, browser.ErrNotFound):
		return types.ErrSelectorNotFound
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.ErrLoginFailed
	}
}
