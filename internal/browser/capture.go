package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

type chromeCapture struct {
	page   *chromePage
	cancel context.CancelFunc

	mu       sync.RWMutex
	handler  func(Frame)
	detached bool
}

// newCapture attaches a frame listener on a child of the page context, so
// cancelling it removes the listener without touching the page.
func newCapture(p *chromePage) *chromeCapture {
	listenCtx, cancel := context.WithCancel(p.ctx)
	c := &chromeCapture{page: p, cancel: cancel}
	chromedp.ListenTarget(listenCtx, func(ev any) {
		e, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		f := Frame{Data: e.Data, SessionID: e.SessionID, Timestamp: time.Now()}
		if e.Metadata != nil && e.Metadata.Timestamp != nil {
			f.Timestamp = e.Metadata.Timestamp.Time()
		}
		c.mu.RLock()
		fn, detached := c.handler, c.detached
		c.mu.RUnlock()
		if fn != nil && !detached {
			fn(f)
		}
	})
	return c
}

// OnFrame registers the frame handler. It runs on the CDP event goroutine
// and must not block or issue CDP commands synchronously.
func (c *chromeCapture) OnFrame(fn func(Frame)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *chromeCapture) Start(ctx context.Context, opts ScreencastOptions) error {
	opts = opts.withDefaults()
	rctx, cancel := c.page.scope(ctx)
	defer cancel()
	return chromedp.Run(rctx, page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(opts.Quality)).
		WithMaxWidth(int64(opts.MaxWidth)).
		WithMaxHeight(int64(opts.MaxHeight)).
		WithEveryNthFrame(int64(opts.EveryNthFrame)))
}

func (c *chromeCapture) Ack(ctx context.Context, sessionID int64) error {
	rctx, cancel := c.page.scope(ctx)
	defer cancel()
	return chromedp.Run(rctx, page.ScreencastFrameAck(sessionID))
}

func (c *chromeCapture) Stop(ctx context.Context) error {
	if c.page.ctx.Err() != nil {
		return ErrClosed
	}
	rctx, cancel := c.page.scope(ctx)
	defer cancel()
	return chromedp.Run(rctx, page.StopScreencast())
}

func (c *chromeCapture) Detach() error {
	c.mu.Lock()
	c.detached = true
	c.handler = nil
	c.mu.Unlock()
	c.cancel()
	return nil
}
