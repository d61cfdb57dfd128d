package headless

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/pool"
)

// Strategy names.
const (
	PrimaryName = "headless-primary"
	StealthName = "headless-stealth"
)

const (
	resetTimeout  = 5 * time.Second
	primarySettle = 500 * time.Millisecond
)

// Primary renders pages in pooled tabs of a shared browser.
type Primary struct {
	cfg     Config
	pool    *pool.Pool
	domains *DomainBudget
	logger  *zap.Logger
}

// NewPrimary builds the headless-primary strategy over a tab pool.
func NewPrimary(cfg Config, tabs *pool.Pool, logger *zap.Logger) *Primary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Primary{
		cfg:     cfg,
		pool:    tabs,
		domains: NewDomainBudget(cfg.DomainRPS),
		logger:  logger.Named(PrimaryName),
	}
}

// Name implements extraction.Strategy.
func (p *Primary) Name() string { return PrimaryName }

// Fetch implements extraction.Strategy.
func (p *Primary) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	if err := p.domains.Wait(ctx, task.URL); err != nil {
		return nil, err
	}
	entry, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire tab: %w", err)
	}
	defer func() {
		// The caller's ctx may already be done; resetting must still run.
		if err := p.pool.Release(context.WithoutCancel(ctx), entry); err != nil {
			p.logger.Warn("tab reset failed, discarded", zap.Error(err))
		}
	}()

	tab, ok := entry.Session().(*Tab)
	if !ok {
		return nil, fmt.Errorf("unexpected session type %T", entry.Session())
	}
	runCtx, cancel := withDeadline(tab.Context(), ctx, p.cfg.navTimeout())
	defer cancel()

	var setup []chromedp.Action
	if p.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(p.cfg.UserAgent))
	}
	rendered, err := render(runCtx, task, setup, primarySettle, p.cfg.Guard)
	if err != nil {
		if ctx.Err() == nil && runCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return nil, err
	}
	return toContent(task, rendered)
}

// DomainBudget applies a token bucket per host.
type DomainBudget struct {
	rps      float64
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainBudget returns a budget allowing rps navigations per host. rps <= 0 disables it.
func NewDomainBudget(rps float64) *DomainBudget {
	return &DomainBudget{rps: rps, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the host of rawURL may be navigated.
func (d *DomainBudget) Wait(ctx context.Context, rawURL string) error {
	if d == nil || d.rps <= 0 {
		return nil
	}
	if err := d.limiter(rawURL).Wait(ctx); err != nil {
		return fmt.Errorf("domain budget: %w", err)
	}
	return nil
}

func (d *DomainBudget) limiter(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.rps), 1)
		d.limiters[host] = l
	}
	return l
}
