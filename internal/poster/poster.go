// Package poster publishes one post through an account's browser session.
//
// An attempt walks navigate_home, open_compose, enter_content,
// upload_media, submit and verify. Whatever happens, one deferred cleanup
// stops the screencast, closes the page and releases the session; the
// session is persisted only when the post is confirmed.
package poster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/store"
	"github.com/pinchtab/postbridge/internal/types"
	"github.com/pinchtab/postbridge/internal/web"
)

const operation = "post"

var errUnverified = errors.New("post outcome could not be confirmed")

type Request struct {
	AccountID  string   `json:"accountId"`
	Content    string   `json:"content"`
	MediaPaths []string `json:"mediaPaths,omitempty"`
}

type Accounts interface {
	Account(ctx context.Context, id string) (*types.Account, error)
	Proxy(ctx context.Context, id string) (*types.Proxy, error)
}

type Pool interface {
	AcquireContext(ctx context.Context, accountID string, proxy *browser.ProxyConfig) (*session.Session, error)
	ReleaseContext(accountID string)
	SaveSession(ctx context.Context, accountID string) error
}

type LoginEnsurer interface {
	EnsureLoggedIn(ctx context.Context, accountID, username, password string, proxy *browser.ProxyConfig) types.LoginResult
}

type Screencast interface {
	StartScreencast(ctx context.Context, accountID string, page browser.Page, opts browser.ScreencastOptions) error
	StopScreencast(ctx context.Context, accountID string)
	SetOperationStatus(accountID, operation, step string)
}

type Selectors struct {
	ComposeButton string
	Textarea      string
	FileInput     string
	// SubmitReady matches the post button only once it accepts clicks,
	// which is also how pending uploads are waited out.
	SubmitReady string
	Submit      string
	// Confirmation is the toast shown after a post goes out.
	Confirmation string
}

func (s Selectors) withDefaults() Selectors {
	if s.ComposeButton == "" {
		s.ComposeButton = `[data-testid="SideNav_NewTweet_Button"]`
	}
	if s.Textarea == "" {
		s.Textarea = `[data-testid="tweetTextarea_0"]`
	}
	if s.FileInput == "" {
		s.FileInput = `input[data-testid="fileInput"]`
	}
	if s.Submit == "" {
		s.Submit = `[data-testid="tweetButton"]`
	}
	if s.SubmitReady == "" {
		s.SubmitReady = s.Submit + `:not([aria-disabled="true"])`
	}
	if s.Confirmation == "" {
		s.Confirmation = `[data-testid="toast"]`
	}
	return s
}

type Options struct {
	PlatformURL     string
	HomePath        string
	MediaDir        string
	StepTimeout     time.Duration
	NavigateTimeout time.Duration
	// VerifyWindow bounds how long verify waits for a confirmation.
	VerifyWindow time.Duration
	PollInterval time.Duration
	CloseTimeout time.Duration
	Screencast   browser.ScreencastOptions
	Selectors    Selectors
}

func (o Options) withDefaults() Options {
	if o.PlatformURL == "" {
		o.PlatformURL = "https://x.com"
	}
	if o.HomePath == "" {
		o.HomePath = "/home"
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.VerifyWindow <= 0 {
		o.VerifyWindow = 8 * time.Second
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

type Poster struct {
	accounts   Accounts
	pool       Pool
	login      LoginEnsurer
	screencast Screencast
	opts       Options
}

func New(accounts Accounts, pool Pool, login LoginEnsurer, screencast Screencast, opts Options) *Poster {
	return &Poster{
		accounts:   accounts,
		pool:       pool,
		login:      login,
		screencast: screencast,
		opts:       opts.withDefaults(),
	}
}

// attempt carries one run's state through the steps.
type attempt struct {
	id          string
	req         Request
	page        browser.Page
	mediaFailed []string
}

type step struct {
	name string
	run  func(ctx context.Context, a *attempt) error
}

func (p *Poster) steps() []step {
	return []step{
		{"navigate_home", p.navigateHome},
		{"open_compose", p.openCompose},
		{"enter_content", p.enterContent},
		{"upload_media", p.uploadMedia},
		{"submit", p.submit},
		{"verify", p.verify},
	}
}

// Post runs one attempt. It never panics and never returns a raw error:
// every outcome is a PostResult.
func (p *Poster) Post(ctx context.Context, req Request) (res types.PostResult) {
	a := &attempt{id: uuid.NewString(), req: req}
	log := slog.With("account", req.AccountID, "attempt", a.id)

	var sess *session.Session
	defer func() {
		if r := recover(); r != nil {
			log.Error("post panicked", "panic", r)
			res = failure(types.ErrUnclassified, fmt.Sprintf("post panicked: %v", r))
		}
		if sess != nil {
			p.cleanup(log, req.AccountID, sess, a.page)
		}
		last := "done"
		if !res.Success {
			last = "failed"
		}
		p.setStep(req.AccountID, last)
		res.AttemptID = a.id
		res.MediaFailed = a.mediaFailed
	}()

	if strings.TrimSpace(req.Content) == "" && len(req.MediaPaths) == 0 {
		return failure(types.ErrInvalidRequest, "post needs content or media")
	}

	acct, err := p.accounts.Account(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure(types.ErrAccountNotFound, "account not found: "+req.AccountID)
		}
		return failure(types.ErrUnclassified, "load account: "+err.Error())
	}
	proxy, res, ok := p.proxyFor(ctx, acct)
	if !ok {
		return res
	}

	sess, err = p.pool.AcquireContext(ctx, req.AccountID, proxy)
	if err != nil {
		code := types.ErrLoginFailed
		switch {
		case errors.Is(err, session.ErrPoolClosed):
			code = types.ErrPoolClosed
		case errors.Is(err, session.ErrProxyUnhealthy):
			code = types.ErrProxyUnhealthy
		}
		return failure(code, "acquire session: "+err.Error())
	}
	ctx = session.WithLease(ctx, sess)

	p.setStep(req.AccountID, "ensure_login")
	if lr := p.login.EnsureLoggedIn(ctx, acct.ID, acct.Username, acct.Password, proxy); !lr.Success {
		return failure(types.ErrLoginFailed, lr.Message)
	}

	a.page, err = sess.NewPage(ctx)
	if err != nil {
		return failure(types.ErrUnclassified, "open page: "+err.Error())
	}
	if err := p.screencast.StartScreencast(ctx, req.AccountID, a.page, p.opts.Screencast); err != nil {
		log.Warn("start screencast", "err", err)
	}

	for _, s := range p.steps() {
		p.setStep(req.AccountID, s.name)
		if err := s.run(ctx, a); err != nil {
			log.Warn("post step failed", "step", s.name, "err", err)
			return failure(classify(err), s.name+": "+err.Error())
		}
	}

	if err := p.pool.SaveSession(ctx, req.AccountID); err != nil {
		log.Warn("save session after post", "err", err)
	}
	log.Info("post published", "media", len(req.MediaPaths), "mediaFailed", len(a.mediaFailed))
	res = types.PostResult{Success: true, Message: "post published"}
	if len(a.mediaFailed) > 0 {
		res.Message = fmt.Sprintf("post published, %d media file(s) failed", len(a.mediaFailed))
	}
	return res
}

func (p *Poster) proxyFor(ctx context.Context, acct *types.Account) (*browser.ProxyConfig, types.PostResult, bool) {
	proxy, err := store.ResolveProxy(ctx, p.accounts, acct)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, failure(types.ErrProxyNotFound, "proxy not found: "+acct.ProxyID), false
	case err != nil:
		return nil, failure(types.ErrUnclassified, "load proxy: "+err.Error()), false
	}
	return proxy, types.PostResult{}, true
}

// cleanup runs every release step even when an earlier one panics.
func (p *Poster) cleanup(log *slog.Logger, accountID string, sess *session.Session, pg browser.Page) {
	safely(log, "stop screencast", func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
		defer cancel()
		p.screencast.StopScreencast(ctx, accountID)
	})
	if pg != nil {
		safely(log, "close page", func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
			defer cancel()
			if err := sess.ClosePage(ctx, pg); err != nil {
				log.Warn("close post page", "err", err)
			}
		})
	}
	safely(log, "release session", func() { p.pool.ReleaseContext(accountID) })
}

func safely(log *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("cleanup panicked", "step", what, "panic", r)
		}
	}()
	fn()
}

func (p *Poster) navigateHome(ctx context.Context, a *attempt) error {
	nctx, cancel := context.WithTimeout(ctx, p.opts.NavigateTimeout)
	defer cancel()
	return a.page.Navigate(nctx, strings.TrimRight(p.opts.PlatformURL, "/")+p.opts.HomePath)
}

func (p *Poster) openCompose(ctx context.Context, a *attempt) error {
	sel := p.opts.Selectors
	if err := a.page.WaitVisible(ctx, sel.ComposeButton, p.opts.StepTimeout); err != nil {
		return err
	}
	if err := a.page.Click(ctx, sel.ComposeButton); err != nil {
		return err
	}
	return a.page.WaitVisible(ctx, sel.Textarea, p.opts.StepTimeout)
}

func (p *Poster) enterContent(ctx context.Context, a *attempt) error {
	if a.req.Content == "" {
		return nil
	}
	return a.page.Type(ctx, p.opts.Selectors.Textarea, a.req.Content)
}

// uploadMedia attaches files one at a time. A file that is outside the
// media dir or that the page rejects is recorded and skipped.
func (p *Poster) uploadMedia(ctx context.Context, a *attempt) error {
	for _, path := range a.req.MediaPaths {
		resolved, err := web.SafeFile(p.opts.MediaDir, path)
		if err == nil {
			err = a.page.SetInputFiles(ctx, p.opts.Selectors.FileInput, []string{resolved})
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("media upload failed", "account", a.req.AccountID, "attempt", a.id, "file", path, "err", err)
			a.mediaFailed = append(a.mediaFailed, path)
		}
	}
	return nil
}

func (p *Poster) submit(ctx context.Context, a *attempt) error {
	sel := p.opts.Selectors
	if err := a.page.WaitVisible(ctx, sel.SubmitReady, p.opts.StepTimeout); err != nil {
		return err
	}
	return a.page.Click(ctx, sel.Submit)
}

// verify succeeds when the confirmation toast shows or the compose surface
// goes away within VerifyWindow. Neither means the outcome is unknown, not
// that the post failed.
func (p *Poster) verify(ctx context.Context, a *attempt) error {
	sel := p.opts.Selectors
	deadline := time.Now().Add(p.opts.VerifyWindow)
	for {
		if ok, err := a.page.Visible(ctx, sel.Confirmation); err == nil && ok {
			return nil
		}
		if open, err := a.page.Visible(ctx, sel.Textarea); err == nil && !open {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errUnverified
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Poster) setStep(accountID, step string) {
	p.screencast.SetOperationStatus(accountID, operation, step)
}

func failure(code types.ErrorCode, msg string) types.PostResult {
	return types.PostResult{Success: false, Message: msg, Error: code}
}

func classify(err error) types.ErrorCode {
	switch {
	case errors.Is(err, errUnverified):
		return types.ErrVerificationFailed
	case errors.Is(err, browser.ErrNotFound):
		return types.ErrSelectorNotFound
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.ErrUnclassified
	}
}
