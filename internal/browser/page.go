package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/pinchtab/postbridge/internal/human"
)

type chromePage struct {
	ctx      context.Context
	cancel   context.CancelFunc
	targetID target.ID
	owner    *chromeContext
	rand     *human.Rand
}

func (p *chromePage) ID() string { return string(p.targetID) }

// scope derives a context that carries the page's chromedp target and ends
// when either the page or the caller's ctx ends.
func (p *chromePage) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		runCtx, dlCancel = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() { dlCancel(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Navigate issues Page.navigate and polls document.readyState until the
// document is interactive.
func (p *chromePage) Navigate(ctx context.Context, url string) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()

	err := chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigate %s: %s", url, errText)
		}
		return nil
	}))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-rctx.Done():
			return timeoutErr(rctx.Err(), "page load")
		case <-ticker.C:
			var state string
			if err := chromedp.Run(rctx, chromedp.Evaluate("document.readyState", &state)); err == nil &&
				(state == "interactive" || state == "complete") {
				return nil
			}
		}
	}
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	rctx, cancel := p.scope(ctx)
	defer cancel()
	var u string
	if err := chromedp.Run(rctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()
	tctx, tcancel := context.WithTimeout(rctx, timeout)
	defer tcancel()

	if err := chromedp.Run(tctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return timeoutErr(err, selector)
	}
	return nil
}

const visibleJS = `(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  const r = el.getBoundingClientRect();
  const s = window.getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
})()`

func (p *chromePage) Visible(ctx context.Context, selector string) (bool, error) {
	rctx, cancel := p.scope(ctx)
	defer cancel()
	var ok bool
	if err := chromedp.Run(rctx, chromedp.Evaluate(fmt.Sprintf(visibleJS, selector), &ok)); err != nil {
		return false, err
	}
	return ok, nil
}

// Click scrolls the element into view and moves the pointer to it along a
// human-looking path before pressing.
func (p *chromePage) Click(ctx context.Context, selector string) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()

	return chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodeID, err := resolveSelector(ctx, selector)
		if err != nil {
			return err
		}
		if err := dom.ScrollIntoViewIfNeeded().WithNodeID(nodeID).Do(ctx); err != nil {
			return fmt.Errorf("scroll into view: %w", err)
		}
		box, err := dom.GetBoxModel().WithNodeID(nodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("box model: %w", err)
		}
		if len(box.Content) < 8 {
			return fmt.Errorf("invalid box model for %q", selector)
		}
		x := (box.Content[0] + box.Content[2] + box.Content[4] + box.Content[6]) / 4
		y := (box.Content[1] + box.Content[3] + box.Content[5] + box.Content[7]) / 4
		return runClick(ctx, human.PlanClick(x, y, p.rand))
	}))
}

func runClick(ctx context.Context, plan human.ClickPlan) error {
	for _, pt := range plan.Path {
		if err := input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y).Do(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, pt.Pause); err != nil {
			return err
		}
	}
	end := plan.Path[len(plan.Path)-1]
	if err := sleep(ctx, plan.PressWait); err != nil {
		return err
	}
	if err := input.DispatchMouseEvent(input.MousePressed, end.X, end.Y).
		WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, plan.Hold); err != nil {
		return err
	}
	return input.DispatchMouseEvent(input.MouseReleased, end.X, end.Y).
		WithButton(input.Left).WithClickCount(1).Do(ctx)
}

// Type focuses the element and types text with human key timing.
func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()

	return chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodeID, err := resolveSelector(ctx, selector)
		if err != nil {
			return err
		}
		if err := dom.Focus().WithNodeID(nodeID).Do(ctx); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
		for _, s := range human.TypingPlan(text, false, p.rand) {
			if err := chromedp.KeyEvent(s.Key).Do(ctx); err != nil {
				return err
			}
			if err := sleep(ctx, s.Pause); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (p *chromePage) Press(ctx context.Context, key string) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()
	return chromedp.Run(rctx, chromedp.KeyEvent(key))
}

func (p *chromePage) SetInputFiles(ctx context.Context, selector string, files []string) error {
	rctx, cancel := p.scope(ctx)
	defer cancel()

	return chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodeID, err := resolveSelector(ctx, selector)
		if err != nil {
			return err
		}
		return dom.SetFileInputFiles(files).WithNodeID(nodeID).Do(ctx)
	}))
}

func (p *chromePage) Capture(ctx context.Context) (Capture, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	return newCapture(p), nil
}

// Close cancels the page's chromedp context and closes the target. A target
// that is already gone is not an error.
func (p *chromePage) Close(ctx context.Context) error {
	p.cancel()
	p.owner.dropPage(string(p.targetID))

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := target.CloseTarget(p.targetID).Do(p.owner.chrome.browserExec(cctx)); err != nil {
		slog.Debug("close target", "target", p.targetID, "err", err)
	}
	return nil
}

// resolveSelector finds a DOM node by CSS selector and returns its NodeID.
func resolveSelector(ctx context.Context, selector string) (cdp.NodeID, error) {
	expr := fmt.Sprintf(`document.querySelector(%q)`, selector)
	val, exc, err := runtime.Evaluate(expr).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("evaluate: %w", err)
	}
	if exc != nil {
		return 0, fmt.Errorf("selector %q: %s", selector, exc.Text)
	}
	if val == nil || val.ObjectID == "" {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	node, err := dom.RequestNode(val.ObjectID).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("request node: %w", err)
	}
	return node, nil
}

func timeoutErr(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
