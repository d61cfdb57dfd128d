package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/resilient-extractor/internal/pool"
)

// runner executes chromedp actions. Tests substitute a recorder.
type runner func(ctx context.Context, actions ...chromedp.Action) error

// Browser is one shared Chrome process whose tabs back the primary strategy.
// It holds a single instance slot while Chrome runs; tabs take none.
type Browser struct {
	cfg       Config
	instances *pool.InstanceLimiter
	proxies   *proxyRing
	run       runner

	mu          sync.Mutex
	started     bool
	holding     bool
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBrowser prepares a browser. Chrome is launched on the first tab.
func NewBrowser(cfg Config, instances *pool.InstanceLimiter) *Browser {
	return &Browser{
		cfg:       cfg,
		instances: instances,
		proxies:   newProxyRing(cfg.Proxies),
		run:       chromedp.Run,
	}
}

// start launches Chrome unless it is already running. A failed launch gives the
// instance slot back and leaves the browser stopped, so the next tab retries.
func (b *Browser) start(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return b.ctx, nil
	}
	if b.instances != nil {
		if err := b.instances.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), baseAllocatorOptions(b.cfg, b.proxies.pick())...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	if err := b.run(browserCtx); err != nil {
		cancel()
		allocCancel()
		if b.instances != nil {
			b.instances.Release()
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.started = true
	b.holding = b.instances != nil
	b.ctx, b.cancel, b.allocCancel = browserCtx, cancel, allocCancel
	return b.ctx, nil
}

// New implements pool.Factory by opening a fresh tab in the shared browser.
func (b *Browser) New(ctx context.Context) (pool.Session, error) {
	browserCtx, err := b.start(ctx)
	if err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	if err := b.run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Tab{ctx: tabCtx, cancel: cancel, run: b.run}, nil
}

// Close shuts the browser down and returns its instance slot.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.cancel()
	b.allocCancel()
	if b.holding {
		b.instances.Release()
		b.holding = false
	}
	b.started = false
}

// Tab is a pooled browser tab.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    runner
}

// Context returns the chromedp tab context.
func (t *Tab) Context() context.Context { return t.ctx }

// Reset blanks the page, drops request interception and clears cookies and
// cache so the next task starts clean.
func (t *Tab) Reset(ctx context.Context) error {
	runCtx, cancel := withDeadline(t.ctx, ctx, resetTimeout)
	defer cancel()
	return t.run(runCtx,
		fetch.Disable(),
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
	)
}

// Close closes the tab.
func (t *Tab) Close() error {
	t.cancel()
	return nil
}
