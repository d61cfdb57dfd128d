// Package collyfetcher implements the http-direct strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/JakeFAU/resilient-extractor/internal/content"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Name is the strategy name.
const Name = "http-direct"

const (
	defaultTimeout = 15 * time.Second
	maxRedirects   = 10
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
	// Proxies are rotated round robin per request. Empty means a direct connection.
	Proxies []string
	// Redirects vets every redirect target. Nil follows redirects unchecked.
	Redirects extraction.URLChecker
}

// Fetcher is the http-direct strategy: a plain GET with no script execution.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what the collector hooks capture.
type response struct {
	url    string
	status int
	body   []byte
}

// capture holds hook output. Hooks may still fire after Fetch has given up on a
// canceled context, so every access goes through mu.
type capture struct {
	mu   sync.Mutex
	resp response
	err  error
}

func (c *capture) setResponse(r response) {
	c.mu.Lock()
	c.resp = r
	c.mu.Unlock()
}

func (c *capture) setError(status int, err error) {
	c.mu.Lock()
	if status != 0 {
		c.resp.status = status
	}
	c.err = err
	c.mu.Unlock()
}

func (c *capture) snapshot() (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.err
}

// New builds a Fetcher over a fresh transport, routed through cfg.Proxies when set.
func New(cfg Config) (*Fetcher, error) {
	transport := newHTTPTransport()
	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("http-direct proxies: %w", err)
		}
		transport.Proxy = switcher
	}
	return NewWithTransport(cfg, transport), nil
}

// NewWithTransport builds a Fetcher over a custom round tripper. cfg.Proxies is
// not applied to it.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	if transport == nil {
		transport = newHTTPTransport()
	}
	// Clones share the base collector's HTTP backend, so everything stored on
	// the backend is set here once.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.RespectRobots {
		c.WithTransport(newRobotsTransport(transport))
	} else {
		c.WithTransport(transport)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	f := &Fetcher{cfg: cfg, baseCollector: c}
	c.SetRedirectHandler(f.checkRedirect)
	return f
}

// Name implements extraction.Strategy.
func (f *Fetcher) Name() string { return Name }

// Fetch implements extraction.Strategy.
func (f *Fetcher) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	captured := &capture{}
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, captured)

	if err := runCollector(ctx, collector, task.URL, captured); err != nil {
		resp, _ := captured.snapshot()
		return nil, f.classify(resp.status, err)
	}

	resp, _ := captured.snapshot()
	raw, err := content.Extract(string(resp.body), content.FromTask(task, resp.url))
	if err != nil {
		return nil, err
	}
	raw.StatusCode = resp.status
	return raw, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, captured *capture) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		captured.setResponse(response{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		})
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		captured.setError(status, err)
	})
}

// runCollector visits url and returns once the visit finishes or ctx ends. The
// visit goroutine may outlive a canceled ctx; it only touches captured.
func runCollector(ctx context.Context, collector *colly.Collector, url string, captured *capture) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if _, fetchErr := captured.snapshot(); fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return nil
	}
}

// checkRedirect refuses redirect chains that are too long or that lead to a
// target the task validator would have rejected.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if f.cfg.Redirects != nil {
		if _, err := f.cfg.Redirects.URL(req.URL.String()); err != nil {
			return fmt.Errorf("redirect to %s refused: %w", req.URL.Redacted(), err)
		}
	}
	if last := via[len(via)-1]; req.URL.Host != last.URL.Host {
		req.Header.Del("Authorization")
	}
	return nil
}

// classify maps robots refusals and bot-wall status codes to detection misses.
func (f *Fetcher) classify(status int, err error) error {
	switch {
	case errors.Is(err, extraction.ErrValidation):
		return err
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return &extraction.DetectionError{Strategy: Name, Signals: []extraction.Signal{
			{Kind: extraction.SignalBlocked, Marker: "robots.txt", Strategy: Name},
		}}
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return &extraction.DetectionError{Strategy: Name, Signals: []extraction.Signal{
			{Kind: extraction.SignalBlocked, Marker: fmt.Sprintf("status %d", status), Strategy: Name},
		}}
	}
	return err
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
