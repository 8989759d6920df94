package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/types"
)

// HealthProbe says how to tell a logged-in page from a logged-out one.
type HealthProbe struct {
	HomePath              string
	AuthenticatedSelector string
	LoginSelector         string
	LoginPathMarkers      []string
	Timeout               time.Duration
}

func (h HealthProbe) withDefaults() HealthProbe {
	if h.HomePath == "" {
		h.HomePath = "/home"
	}
	if h.AuthenticatedSelector == "" {
		h.AuthenticatedSelector = `[data-testid="SideNav_AccountSwitcher_Button"]`
	}
	if h.LoginSelector == "" {
		h.LoginSelector = `input[autocomplete="username"]`
	}
	if len(h.LoginPathMarkers) == 0 {
		h.LoginPathMarkers = []string{"/login", "/i/flow/login", "/logout", "/account/access"}
	}
	if h.Timeout <= 0 {
		h.Timeout = 10 * time.Second
	}
	return h
}

// CheckSessionHealth opens the home surface in the account's context and
// classifies it: active when the authenticated chrome shows up, expired
// when a session that used to be authenticated lands on login, needs_login
// when it never was, and error when the page could not be checked at all.
func (p *Pool) CheckSessionHealth(ctx context.Context, accountID string) (types.SessionStatus, error) {
	sess, err := p.AcquireContext(ctx, accountID, nil)
	if err != nil {
		return types.SessionError, err
	}
	defer p.ReleaseContext(accountID)

	status, err := p.probe(WithLease(ctx, sess), sess)
	sess.setStatus(status)
	slog.Info("session health", "account", accountID, "status", status, "err", err)
	return status, err
}

func (p *Pool) probe(ctx context.Context, sess *Session) (types.SessionStatus, error) {
	probe := p.opts.Probe
	pg, err := sess.NewPage(ctx)
	if err != nil {
		return types.SessionError, err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
		defer cancel()
		if err := sess.ClosePage(cctx, pg); err != nil {
			slog.Warn("close health page", "account", sess.AccountID, "err", err)
		}
	}()

	nctx, cancel := context.WithTimeout(ctx, p.opts.NavigateTimeout)
	err = pg.Navigate(nctx, strings.TrimRight(p.opts.PlatformURL, "/")+probe.HomePath)
	cancel()
	if err != nil {
		return types.SessionError, fmt.Errorf("navigate home: %w", err)
	}

	if p.onLoginSurface(ctx, pg) {
		return unauthenticated(sess), nil
	}
	err = pg.WaitVisible(ctx, probe.AuthenticatedSelector, probe.Timeout)
	switch {
	case err == nil:
		return types.SessionActive, nil
	case errors.Is(err, browser.ErrTimeout):
		return unauthenticated(sess), nil
	default:
		return types.SessionError, err
	}
}

func (p *Pool) onLoginSurface(ctx context.Context, pg browser.Page) bool {
	if u, err := pg.URL(ctx); err == nil {
		for _, m := range p.opts.Probe.LoginPathMarkers {
			if strings.Contains(u, m) {
				return true
			}
		}
	}
	visible, err := pg.Visible(ctx, p.opts.Probe.LoginSelector)
	return err == nil && visible
}

func unauthenticated(sess *Session) types.SessionStatus {
	if sess.wasAuthenticated() {
		return types.SessionExpired
	}
	return types.SessionNeedsLogin
}

// MarkStatus records a status observed outside the health probe, for
// example after a successful login.
func (s *Session) MarkStatus(status types.SessionStatus) {
	s.setStatus(status)
}

func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
