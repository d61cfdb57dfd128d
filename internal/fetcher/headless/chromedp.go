// Package headless contains strategies that render pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/resilient-extractor/internal/content"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Config controls both headless strategies.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// DomainRPS caps navigations per second per host. Zero disables the budget.
	DomainRPS float64
	ExecPath  string
	// Proxies are handed to Chrome's --proxy-server, one per browser launch,
	// round robin. Empty means a direct connection.
	Proxies []string
	// Guard vets every document request, redirects included. Nil disables it.
	Guard extraction.URLChecker
}

func (c Config) navTimeout() time.Duration {
	if c.NavigationTimeout > 0 {
		return c.NavigationTimeout
	}
	return 45 * time.Second
}

// baseAllocatorOptions mirrors the flags both strategies launch Chrome with.
func baseAllocatorOptions(cfg Config, proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// proxyRing hands out proxy URLs round robin. A nil ring yields "".
type proxyRing struct {
	urls []string
	next atomic.Uint32
}

func newProxyRing(urls []string) *proxyRing {
	if len(urls) == 0 {
		return nil
	}
	return &proxyRing{urls: urls}
}

func (r *proxyRing) pick() string {
	if r == nil {
		return ""
	}
	i := r.next.Add(1) - 1
	return r.urls[i%uint32(len(r.urls))]
}

// renderedPage is what a single render returns before content extraction.
type renderedPage struct {
	html     string
	finalURL string
	status   int
}

// render navigates the tab in ctx and captures the rendered DOM. setup actions
// run before navigation and settle is slept after the wait selector appears.
// With a guard, a refused main navigation is reported as the guard's error.
func render(ctx context.Context, task extraction.Task, setup []chromedp.Action, settle time.Duration, guard extraction.URLChecker) (renderedPage, error) {
	meta := &responseMeta{}
	chromedp.ListenTarget(ctx, meta.captureEvent)
	var nav *navigationGuard
	if guard != nil {
		nav = &navigationGuard{checker: guard}
		chromedp.ListenTarget(ctx, nav.listener(ctx))
		setup = append([]chromedp.Action{nav.enable()}, setup...)
	}

	waitFor := task.WaitFor
	if waitFor == "" {
		waitFor = "body"
	}
	var out renderedPage
	actions := make([]chromedp.Action, 0, len(setup)+6)
	actions = append(actions, network.Enable())
	actions = append(actions, setup...)
	actions = append(actions,
		chromedp.Navigate(task.URL),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		if refused := nav.refusal(); refused != nil {
			return renderedPage{}, fmt.Errorf("navigation refused: %w", refused)
		}
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	out.status, out.finalURL = meta.snapshotWithFallbacks(task.URL, out.finalURL)
	return out, nil
}

// toContent turns a rendered page into RawContent for the task.
func toContent(task extraction.Task, p renderedPage) (*extraction.RawContent, error) {
	raw, err := content.Extract(p.html, content.FromTask(task, p.finalURL))
	if err != nil {
		return nil, err
	}
	raw.StatusCode = p.status
	return raw, nil
}

// withDeadline derives a run context from a long-lived tab context that also
// ends when the caller's ctx does.
func withDeadline(tabCtx, callerCtx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := callerCtx.Deadline(); ok {
		if until := time.Until(deadline); until < limit {
			limit = until
		}
	}
	runCtx, cancel := context.WithTimeout(tabCtx, limit)
	stop := context.AfterFunc(callerCtx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// navigationGuard pauses document requests, including redirect hops and frames,
// and fails the ones its checker rejects.
type navigationGuard struct {
	checker extraction.URLChecker

	mu      sync.Mutex
	refused error
}

func (g *navigationGuard) enable() chromedp.Action {
	return fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageRequest,
	}})
}

// allow checks raw and remembers the first refusal.
func (g *navigationGuard) allow(raw string) bool {
	if _, err := g.checker.URL(raw); err != nil {
		g.mu.Lock()
		if g.refused == nil {
			g.refused = err
		}
		g.mu.Unlock()
		return false
	}
	return true
}

func (g *navigationGuard) refusal() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refused
}

// listener answers paused requests. Event handlers must not block, so the
// reply runs on its own goroutine.
func (g *navigationGuard) listener(ctx context.Context) func(ev any) {
	return func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok || paused.Request == nil {
			return
		}
		allowed := g.allow(paused.Request.URL)
		go func() {
			c := chromedp.FromContext(ctx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(ctx, c.Target)
			if allowed {
				_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
				return
			}
			_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		}()
	}
}
