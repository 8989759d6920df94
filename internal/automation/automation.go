// Package automation is the procedure surface the rest of the application
// calls: login, health, session deletion, preview test, status and post.
// It resolves accounts from the store and writes the observed session
// status back.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/poster"
	"github.com/pinchtab/postbridge/internal/proxyhealth"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/store"
	"github.com/pinchtab/postbridge/internal/types"
)

type Pool interface {
	AcquireContext(ctx context.Context, accountID string, proxy *browser.ProxyConfig) (*session.Session, error)
	ReleaseContext(accountID string)
	CheckSessionHealth(ctx context.Context, accountID string) (types.SessionStatus, error)
	DeleteSession(ctx context.Context, accountID string) error
	Get(accountID string) (*session.Session, bool)
	List() []session.Info
}

type Login interface {
	LoginToX(ctx context.Context, accountID, username, password string, proxy *browser.ProxyConfig) types.LoginResult
}

type Poster interface {
	Post(ctx context.Context, req poster.Request) types.PostResult
}

type Screencast interface {
	StartScreencast(ctx context.Context, accountID string, page browser.Page, opts browser.ScreencastOptions) error
	StopScreencast(ctx context.Context, accountID string)
	IsScreencasting(accountID string) bool
	SetOperationStatus(accountID, operation, step string)
}

type Options struct {
	PreviewURL      string
	PreviewDuration time.Duration
	NavigateTimeout time.Duration
	CloseTimeout    time.Duration
	Screencast      browser.ScreencastOptions
}

func (o Options) withDefaults() Options {
	if o.PreviewURL == "" {
		o.PreviewURL = "https://example.com"
	}
	if o.PreviewDuration <= 0 {
		o.PreviewDuration = 10 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	return o
}

type Service struct {
	accounts   store.AccountStore
	pool       Pool
	login      Login
	poster     Poster
	screencast Screencast
	proxies    *proxyhealth.Checker
	opts       Options
}

// New wires the service. proxies may be nil when no device API is
// configured.
func New(accounts store.AccountStore, pool Pool, login Login, post Poster, cast Screencast, proxies *proxyhealth.Checker, opts Options) *Service {
	return &Service{
		accounts:   accounts,
		pool:       pool,
		login:      login,
		poster:     post,
		screencast: cast,
		proxies:    proxies,
		opts:       opts.withDefaults(),
	}
}

// Result is the shape of procedures that only report success.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   types.ErrorCode `json:"error,omitempty"`
}

type HealthResult struct {
	AccountID string              `json:"accountId"`
	Status    types.SessionStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Error     types.ErrorCode     `json:"error,omitempty"`
}

// ProxyResolver adapts the store for session.Pool.SetProxyResolver.
func (s *Service) ProxyResolver() session.ProxyResolver {
	return func(ctx context.Context, accountID string) (*browser.ProxyConfig, error) {
		acct, err := s.accounts.Account(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return store.ResolveProxy(ctx, s.accounts, acct)
	}
}

func (s *Service) ProxyHealth() *proxyhealth.Checker { return s.proxies }

func (s *Service) Login(ctx context.Context, accountID string) types.LoginResult {
	acct, proxy, code, err := s.resolve(ctx, accountID)
	if err != nil {
		return types.LoginResult{Message: err.Error(), Error: code}
	}
	res := s.login.LoginToX(ctx, acct.ID, acct.Username, acct.Password, proxy)
	status := types.SessionActive
	if !res.Success {
		status = statusAfterLoginFailure(res.Error)
	}
	s.writeStatus(ctx, accountID, status)
	return res
}

func statusAfterLoginFailure(code types.ErrorCode) types.SessionStatus {
	switch code {
	case types.ErrCredentialsRejected, types.ErrChallengeRequired:
		return types.SessionNeedsLogin
	default:
		return types.SessionError
	}
}

func (s *Service) CheckHealth(ctx context.Context, accountID string) HealthResult {
	out := HealthResult{AccountID: accountID}
	if _, err := s.accounts.Account(ctx, accountID); err != nil {
		out.Status, out.Message, out.Error = types.SessionError, err.Error(), notFound(err, types.ErrAccountNotFound)
		return out
	}
	status, err := s.pool.CheckSessionHealth(ctx, accountID)
	out.Status = status
	if err != nil {
		out.Message = err.Error()
		out.Error = poolCode(err)
	}
	s.writeStatus(ctx, accountID, status)
	return out
}

func (s *Service) DeleteSession(ctx context.Context, accountID string) Result {
	if err := s.pool.DeleteSession(ctx, accountID); err != nil {
		slog.Warn("delete session", "account", accountID, "err", err)
		return Result{Message: err.Error(), Error: types.ErrUnclassified}
	}
	s.writeStatus(ctx, accountID, types.SessionNeedsLogin)
	return Result{Success: true, Message: "session deleted"}
}

// TestPreview streams a neutral page for PreviewDuration. It never looks at
// login state, so it can be used as a liveness probe for the screencast
// path.
func (s *Service) TestPreview(ctx context.Context, accountID string) Result {
	_, proxy, code, err := s.resolve(ctx, accountID)
	if err != nil {
		return Result{Message: err.Error(), Error: code}
	}
	sess, err := s.pool.AcquireContext(ctx, accountID, proxy)
	if err != nil {
		return Result{Message: err.Error(), Error: poolCode(err)}
	}
	defer s.pool.ReleaseContext(accountID)
	ctx = session.WithLease(ctx, sess)

	pg, err := sess.NewPage(ctx)
	if err != nil {
		return Result{Message: err.Error(), Error: types.ErrUnclassified}
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), s.opts.CloseTimeout)
		defer cancel()
		s.screencast.StopScreencast(cctx, accountID)
		if err := sess.ClosePage(cctx, pg); err != nil {
			slog.Warn("close preview page", "account", accountID, "err", err)
		}
		s.screencast.SetOperationStatus(accountID, "preview_test", "done")
	}()

	if err := s.screencast.StartScreencast(ctx, accountID, pg, s.opts.Screencast); err != nil {
		return Result{Message: "start screencast: " + err.Error(), Error: types.ErrUnclassified}
	}
	s.screencast.SetOperationStatus(accountID, "preview_test", "navigating")
	nctx, cancel := context.WithTimeout(ctx, s.opts.NavigateTimeout)
	err = pg.Navigate(nctx, s.opts.PreviewURL)
	cancel()
	if err != nil {
		return Result{Message: "navigate: " + err.Error(), Error: types.ErrUnclassified}
	}

	s.screencast.SetOperationStatus(accountID, "preview_test", "streaming")
	select {
	case <-ctx.Done():
		return Result{Message: ctx.Err().Error(), Error: types.ErrTimeout}
	case <-time.After(s.opts.PreviewDuration):
	}
	return Result{Success: true, Message: fmt.Sprintf("streamed %s for %s", s.opts.PreviewURL, s.opts.PreviewDuration)}
}

// GetStatus prefers the live session's last observation over the stored
// status.
func (s *Service) GetStatus(ctx context.Context, accountID string) (types.AccountStatus, error) {
	acct, err := s.accounts.Account(ctx, accountID)
	if err != nil {
		return types.AccountStatus{}, err
	}
	st := types.AccountStatus{
		AccountID:     acct.ID,
		PostingMethod: acct.PostingMethod,
		SessionStatus: acct.SessionStatus,
		Screencasting: s.screencast.IsScreencasting(accountID),
	}
	if sess, ok := s.pool.Get(accountID); ok {
		st.LiveSession = true
		if ls := sess.Status(); ls != "" {
			st.SessionStatus = ls
		}
	}
	return st, nil
}

func (s *Service) Post(ctx context.Context, req poster.Request) types.PostResult {
	acct, err := s.accounts.Account(ctx, req.AccountID)
	if err != nil {
		return types.PostResult{Message: err.Error(), Error: notFound(err, types.ErrAccountNotFound)}
	}
	if acct.PostingMethod == types.PostingDevice {
		return types.PostResult{Message: "account posts through its cloud device", Error: types.ErrInvalidRequest}
	}
	res := s.poster.Post(ctx, req)
	switch {
	case res.Success:
		s.writeStatus(ctx, req.AccountID, types.SessionActive)
	case res.Error == types.ErrLoginFailed:
		s.writeStatus(ctx, req.AccountID, types.SessionNeedsLogin)
	}
	return res
}

func (s *Service) Sessions() []session.Info { return s.pool.List() }

func (s *Service) resolve(ctx context.Context, accountID string) (*types.Account, *browser.ProxyConfig, types.ErrorCode, error) {
	acct, err := s.accounts.Account(ctx, accountID)
	if err != nil {
		return nil, nil, notFound(err, types.ErrAccountNotFound), err
	}
	proxy, err := store.ResolveProxy(ctx, s.accounts, acct)
	if err != nil {
		return nil, nil, notFound(err, types.ErrProxyNotFound), err
	}
	return acct, proxy, "", nil
}

func (s *Service) writeStatus(ctx context.Context, accountID string, status types.SessionStatus) {
	if err := s.accounts.SetSessionStatus(ctx, accountID, status); err != nil {
		slog.Warn("write session status", "account", accountID, "status", status, "err", err)
	}
}

// notFound returns code when err is a store miss, else unclassified.
func notFound(err error, code types.ErrorCode) types.ErrorCode {
	if errors.Is(err, store.ErrNotFound) {
		return code
	}
	return types.ErrUnclassified
}

func poolCode(err error) types.ErrorCode {
	switch {
	case errors.Is(err, session.ErrPoolClosed):
		return types.ErrPoolClosed
	case errors.Is(err, session.ErrProxyUnhealthy):
		return types.ErrProxyUnhealthy
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.ErrUnclassified
	}
}
