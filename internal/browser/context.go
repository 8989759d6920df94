package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

type chromeContext struct {
	chrome    *Chrome
	id        cdp.BrowserContextID
	accountID string
	proxy     *ProxyConfig

	mu     sync.Mutex
	pages  map[string]*chromePage
	closed bool
}

func (bc *chromeContext) ID() string { return string(bc.id) }

// NewPage opens a blank tab inside this browser context and prepares it:
// user agent metadata, stealth script and proxy credentials.
func (bc *chromeContext) NewPage(ctx context.Context) (Page, error) {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil, ErrClosed
	}
	bc.mu.Unlock()

	c := bc.chrome
	tctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(bc.id).
		Do(c.browserExec(tctx))
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	pageCtx, pageCancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("attach target %s: %w", targetID, err)
	}

	if bc.proxy.HasAuth() {
		if err := answerProxyAuth(pageCtx, bc.proxy.Username, bc.proxy.Password); err != nil {
			pageCancel()
			return nil, fmt.Errorf("proxy auth: %w", err)
		}
	}
	if err := c.setupPage(pageCtx); err != nil {
		slog.Warn("page setup incomplete", "account", bc.accountID, "err", err)
	}

	p := &chromePage{
		ctx:      pageCtx,
		cancel:   pageCancel,
		targetID: targetID,
		owner:    bc,
		rand:     c.rand,
	}
	bc.mu.Lock()
	bc.pages[string(targetID)] = p
	bc.mu.Unlock()
	return p, nil
}

// answerProxyAuth intercepts requests on the page so that the proxy's 407
// challenge can be answered with credentials. Every paused request is
// resumed unchanged.
func answerProxyAuth(pageCtx context.Context, username, password string) error {
	chromedp.ListenTarget(pageCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(pageCtx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			resp := &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: username,
				Password: password,
			}
			if e.AuthChallenge != nil && e.AuthChallenge.Source != fetch.AuthChallengeSourceProxy {
				resp = &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
			}
			go func() {
				_ = chromedp.Run(pageCtx, fetch.ContinueWithAuth(e.RequestID, resp))
			}()
		}
	})
	return chromedp.Run(pageCtx, fetch.Enable().WithHandleAuthRequests(true))
}

func (bc *chromeContext) dropPage(id string) {
	bc.mu.Lock()
	delete(bc.pages, id)
	bc.mu.Unlock()
}

func (bc *chromeContext) Cookies(ctx context.Context) ([]Cookie, error) {
	tctx, cancel := context.WithTimeout(ctx, bc.chrome.commandTimeout())
	defer cancel()
	raw, err := storage.GetCookies().WithBrowserContextID(bc.id).Do(bc.chrome.browserExec(tctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return fromNetworkCookies(raw), nil
}

func (bc *chromeContext) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, bc.chrome.commandTimeout())
	defer cancel()
	err := storage.SetCookies(toCookieParams(cookies)).
		WithBrowserContextID(bc.id).
		Do(bc.chrome.browserExec(tctx))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Close closes open pages and disposes the browser context. Calling it on an
// already closed context is a no-op.
func (bc *chromeContext) Close(ctx context.Context) error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil
	}
	bc.closed = true
	pages := make([]*chromePage, 0, len(bc.pages))
	for _, p := range bc.pages {
		pages = append(pages, p)
	}
	bc.mu.Unlock()

	for _, p := range pages {
		_ = p.Close(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := target.DisposeBrowserContext(bc.id).Do(bc.chrome.browserExec(tctx))
	bc.chrome.forget(string(bc.id))
	if err != nil {
		return fmt.Errorf("dispose browser context: %w", err)
	}
	slog.Info("browser context disposed", "account", bc.accountID, "context", bc.id)
	return nil
}
