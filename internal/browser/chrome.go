package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/human"
)

type Options struct {
	Headless      bool
	Binary        string
	ExtraFlags    string
	UserAgent     string
	ChromeVersion string
	Timezone      string
	StealthLevel  string
	NoAnimations  bool
	// CommandTimeout bounds single CDP round trips such as creating a target.
	CommandTimeout time.Duration
}

func OptionsFromConfig(cfg *config.RuntimeConfig) Options {
	return Options{
		Headless:       cfg.Headless,
		Binary:         cfg.ChromeBinary,
		ExtraFlags:     cfg.ChromeExtraFlags,
		UserAgent:      cfg.UserAgent,
		ChromeVersion:  cfg.ChromeVersion,
		Timezone:       cfg.Timezone,
		StealthLevel:   cfg.StealthLevel,
		NoAnimations:   cfg.NoAnimations,
		CommandTimeout: cfg.ActionTimeout,
	}
}

// Chrome is a Driver backed by one local Chrome process.
type Chrome struct {
	opts       Options
	browserCtx context.Context
	cancel     context.CancelFunc
	seed       int64
	rand       *human.Rand

	mu       sync.Mutex
	contexts map[string]*chromeContext
	closed   bool
}

// Start launches Chrome and connects to it.
func Start(opts Options) (*Chrome, error) {
	slog.Info("starting chrome", "headless", opts.Headless, "binary", opts.Binary)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}

	seed := rand.Int63n(1_000_000_000)
	c := &Chrome{
		opts:       opts,
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		seed:     seed,
		rand:     human.NewRand(seed),
		contexts: make(map[string]*chromeContext),
	}
	slog.Info("chrome started", "headless", opts.Headless)
	return c, nil
}

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if opts.Headless {
		out = append(out, chromedp.Headless)
	} else {
		out = append(out, chromedp.Flag("headless", false))
	}
	if opts.Binary != "" {
		out = append(out, chromedp.ExecPath(opts.Binary))
	}

	w, h := randomWindowSize()
	out = append(out, chromedp.WindowSize(w, h))

	out = append(out,
		chromedp.Flag("disable-automation", ""),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", ""),
		chromedp.Flag("no-first-run", ""),
		chromedp.Flag("no-default-browser-check", ""),
	)

	for name, value := range parseExtraFlags(opts.ExtraFlags) {
		out = append(out, chromedp.Flag(name, value))
	}
	if opts.Timezone != "" {
		out = append(out, chromedp.Env("TZ="+opts.Timezone))
	}
	return out
}

// parseExtraFlags turns "--foo --bar=baz" into {"foo": true, "bar": "baz"}.
func parseExtraFlags(s string) map[string]any {
	flags := make(map[string]any)
	for _, f := range strings.Fields(s) {
		f = strings.TrimLeft(f, "-")
		if f == "" {
			continue
		}
		if name, value, ok := strings.Cut(f, "="); ok {
			flags[name] = value
		} else {
			flags[f] = true
		}
	}
	return flags
}

func randomWindowSize() (int, int) {
	sizes := [][2]int{
		{1920, 1080}, {1366, 768}, {1536, 864}, {1440, 900},
		{1280, 720}, {1600, 900}, {1280, 800},
	}
	s := sizes[rand.Intn(len(sizes))]
	return s[0], s[1]
}

// browserExec routes a command to the browser-level CDP session rather than
// a page target.
func (c *Chrome) browserExec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(c.browserCtx).Browser)
}

func (c *Chrome) commandTimeout() time.Duration {
	if c.opts.CommandTimeout > 0 {
		return c.opts.CommandTimeout
	}
	return 10 * time.Second
}

// NewContext creates a CDP browser context, optionally routed via a proxy.
func (c *Chrome) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	tctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	params := target.CreateBrowserContext().WithDisposeOnDetach(false)
	if opts.Proxy != nil {
		params = params.WithProxyServer(opts.Proxy.Server())
	}
	id, err := params.Do(c.browserExec(tctx))
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	bc := &chromeContext{
		chrome:    c,
		id:        id,
		accountID: opts.AccountID,
		proxy:     opts.Proxy,
		pages:     make(map[string]*chromePage),
	}
	c.mu.Lock()
	c.contexts[string(id)] = bc
	c.mu.Unlock()

	slog.Info("browser context created", "account", opts.AccountID, "context", id, "proxy", opts.Proxy != nil)
	return bc, nil
}

func (c *Chrome) forget(id string) {
	c.mu.Lock()
	delete(c.contexts, id)
	c.mu.Unlock()
}

// Close disposes every remaining browser context and stops Chrome.
func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remaining := make([]*chromeContext, 0, len(c.contexts))
	for _, bc := range c.contexts {
		remaining = append(remaining, bc)
	}
	c.mu.Unlock()

	for _, bc := range remaining {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := bc.Close(ctx); err != nil {
			slog.Warn("dispose browser context", "context", bc.id, "err", err)
		}
		cancel()
	}
	c.cancel()
	slog.Info("chrome stopped")
	return nil
}

var (
	_ Driver  = (*Chrome)(nil)
	_ Context = (*chromeContext)(nil)
	_ Page    = (*chromePage)(nil)
	_ Capture = (*chromeCapture)(nil)
)
