// Package browsertest provides in-memory implementations of the browser
// interfaces for tests. Nothing here talks to Chrome.
package browsertest

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
)

// Driver records every context it creates. Configure fields before use.
type Driver struct {
	// NewContextErr fails every NewContext call when set.
	NewContextErr error
	// PageSetup runs on each page as it is opened.
	PageSetup func(*Page)

	mu       sync.Mutex
	contexts []*Context
	seq      int
	closed   bool
}

func (d *Driver) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.NewContextErr != nil {
		return nil, d.NewContextErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrClosed
	}
	d.seq++
	c := &Context{id: fmt.Sprintf("ctx-%d", d.seq), Opts: opts, driver: d}
	d.contexts = append(d.contexts, c)
	return c, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Contexts() []*Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Context(nil), d.contexts...)
}

// OpenContexts counts contexts not yet closed.
func (d *Driver) OpenContexts() int {
	n := 0
	for _, c := range d.Contexts() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

type Context struct {
	Opts browser.ContextOptions
	// CloseErr is returned from Close after the context is marked closed.
	CloseErr error

	driver  *Driver
	id      string
	mu      sync.Mutex
	cookies []browser.Cookie
	pages   []*Page
	closed  bool
	seq     int
}

func (c *Context) ID() string { return c.id }

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, browser.ErrClosed
	}
	c.seq++
	p := NewPage(fmt.Sprintf("%s-page-%d", c.id, c.seq))
	p.owner = c
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	if c.driver != nil && c.driver.PageSetup != nil {
		c.driver.PageSetup(p)
	}
	return p, nil
}

func (c *Context) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, browser.ErrClosed
	}
	return append([]browser.Cookie(nil), c.cookies...), nil
}

func (c *Context) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return browser.ErrClosed
	}
	c.cookies = append(c.cookies, cookies...)
	return nil
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	pages := append([]*Page(nil), c.pages...)
	c.mu.Unlock()
	for _, p := range pages {
		_ = p.Close(ctx)
	}
	return c.CloseErr
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// Page is a scripted page. Element visibility is a map the test (or the
// OnClick hook) flips; WaitVisible never sleeps.
type Page struct {
	// Redirects maps a navigated URL to the URL the page ends up on.
	Redirects map[string]string
	// Errors injects failures keyed by "<op>:<selector>" (ops: wait, click,
	// type, files, visible), "press:<key>" or "navigate:<url>" / "navigate:*".
	Errors map[string]error
	// OnClick runs after a successful click.
	OnClick func(p *Page, selector string)
	// OnNavigate runs after a successful navigation.
	OnNavigate func(p *Page, url string)
	// OnPress runs after a successful key press.
	OnPress func(p *Page, key string)
	// OnClose runs on every Close, before it returns.
	OnClose func(p *Page)
	// CaptureStartErr is handed to every capture opened on the page.
	CaptureStartErr error

	owner *Context
	id    string

	mu       sync.Mutex
	url      string
	visible  map[string]bool
	calls    []string
	typed    map[string]string
	files    [][]string
	captures []*Capture
	closes   int
}

func NewPage(id string) *Page {
	return &Page{
		id:        id,
		url:       "about:blank",
		Redirects: map[string]string{},
		Errors:    map[string]error{},
		visible:   map[string]bool{},
		typed:     map[string]string{},
	}
}

func (p *Page) ID() string { return p.id }

func (p *Page) SetVisible(selector string, v bool) {
	p.mu.Lock()
	p.visible[selector] = v
	p.mu.Unlock()
}

func (p *Page) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *Page) injected(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Errors[key]
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.record("navigate:" + url)
	if err := p.injected("navigate:" + url); err != nil {
		return err
	}
	if err := p.injected("navigate:*"); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	if to, ok := p.Redirects[url]; ok {
		p.url = to
	}
	p.mu.Unlock()
	if p.OnNavigate != nil {
		p.OnNavigate(p, url)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.record("wait:" + selector)
	if err := p.injected("wait:" + selector); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	ok := p.visible[selector]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", browser.ErrTimeout, selector)
	}
	return nil
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := p.injected("visible:" + selector); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.record("click:" + selector)
	if err := p.injected("click:" + selector); err != nil {
		return err
	}
	if p.OnClick != nil {
		p.OnClick(p, selector)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.record("type:" + selector)
	if err := p.injected("type:" + selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed[selector] += text
	p.mu.Unlock()
	return nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	p.record("press:" + key)
	if err := p.injected("press:" + key); err != nil {
		return err
	}
	if p.OnPress != nil {
		p.OnPress(p, key)
	}
	return nil
}

func (p *Page) SetInputFiles(ctx context.Context, selector string, files []string) error {
	p.record("files:" + selector)
	for _, f := range files {
		if err := p.injected("files:" + f); err != nil {
			return err
		}
	}
	if err := p.injected("files:" + selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.files = append(p.files, append([]string(nil), files...))
	p.mu.Unlock()
	return nil
}

func (p *Page) Capture(ctx context.Context) (browser.Capture, error) {
	p.mu.Lock()
	c := &Capture{StartErr: p.CaptureStartErr}
	p.captures = append(p.captures, c)
	p.mu.Unlock()
	return c, nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	if p.OnClose != nil {
		p.OnClose(p)
	}
	return nil
}

func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

func (p *Page) Files() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.files...)
}

func (p *Page) Captures() []*Capture {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Capture(nil), p.captures...)
}

// LastCapture returns the most recent capture handle, or nil.
func (p *Page) LastCapture() *Capture {
	cs := p.Captures()
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (p *Page) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Capture delivers frames only when the test calls Emit.
type Capture struct {
	// StopErr is returned from Stop, simulating a page already gone.
	StopErr error
	// StartErr is returned from Start.
	StartErr error

	mu       sync.Mutex
	handler  func(browser.Frame)
	opts     browser.ScreencastOptions
	started  bool
	stops    int
	detaches int
	acks     []int64
	seq      int64
}

func (c *Capture) OnFrame(fn func(browser.Frame)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Capture) Start(ctx context.Context, opts browser.ScreencastOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	c.opts = opts
	return nil
}

func (c *Capture) Ack(ctx context.Context, sessionID int64) error {
	c.mu.Lock()
	c.acks = append(c.acks, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stops++
	c.started = false
	c.mu.Unlock()
	return c.StopErr
}

func (c *Capture) Detach() error {
	c.mu.Lock()
	c.detaches++
	c.handler = nil
	c.mu.Unlock()
	return nil
}

// Emit pushes one frame through the registered handler synchronously and
// returns its session id. It reports false if nothing is attached.
func (c *Capture) Emit(data []byte) (int64, bool) {
	c.mu.Lock()
	c.seq++
	id := c.seq
	fn := c.handler
	c.mu.Unlock()
	if fn == nil {
		return id, false
	}
	fn(browser.Frame{Data: base64.StdEncoding.EncodeToString(data), SessionID: id, Timestamp: time.Now()})
	return id, true
}

// EmitRaw pushes an arbitrary base64 payload, for malformed-frame tests.
func (c *Capture) EmitRaw(b64 string) int64 {
	c.mu.Lock()
	c.seq++
	id := c.seq
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(browser.Frame{Data: b64, SessionID: id, Timestamp: time.Now()})
	}
	return id
}

func (c *Capture) Acks() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.acks...)
}

func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Capture) Options() browser.ScreencastOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *Capture) Detaches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detaches
}

var (
	_ browser.Driver  = (*Driver)(nil)
	_ browser.Context = (*Context)(nil)
	_ browser.Page    = (*Page)(nil)
	_ browser.Capture = (*Capture)(nil)
)
