package headless

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/pool"
)

// UserAgents are real desktop browser strings rotated by the stealth strategy.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// Viewport is a window size.
type Viewport struct {
	Width  int64
	Height int64
}

// Viewports are common desktop resolutions.
var Viewports = []Viewport{
	{1920, 1080},
	{1366, 768},
	{1440, 900},
	{1536, 864},
	{1280, 720},
	{1600, 900},
	{2560, 1440},
}

// stealthScript runs before any page script.
const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
window.chrome = window.chrome || {runtime: {}};`

// Profile is one browser disguise.
type Profile struct {
	UserAgent string
	Viewport  Viewport
	Settle    time.Duration
}

// Rotator picks disguises.
type Rotator struct {
	mu sync.Mutex
	// intN returns a value in [0, n).
	intN func(n int) int
}

// NewRotator returns a Rotator backed by math/rand/v2.
func NewRotator() *Rotator {
	return &Rotator{intN: rand.IntN}
}

// Next returns a user agent, a viewport and a settle delay in [1s, 3s).
func (r *Rotator) Next() Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Profile{
		UserAgent: UserAgents[r.intN(len(UserAgents))],
		Viewport:  Viewports[r.intN(len(Viewports))],
		Settle:    time.Second + time.Duration(r.intN(2000))*time.Millisecond,
	}
}

// Stealth launches an isolated disguised browser per fetch.
type Stealth struct {
	cfg       Config
	instances *pool.InstanceLimiter
	rotator   *Rotator
	proxies   *proxyRing
	domains   *DomainBudget
	logger    *zap.Logger
}

// NewStealth builds the headless-stealth strategy.
func NewStealth(cfg Config, instances *pool.InstanceLimiter, logger *zap.Logger) *Stealth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stealth{
		cfg:       cfg,
		instances: instances,
		rotator:   NewRotator(),
		proxies:   newProxyRing(cfg.Proxies),
		domains:   NewDomainBudget(cfg.DomainRPS),
		logger:    logger.Named(StealthName),
	}
}

// Name implements extraction.Strategy.
func (s *Stealth) Name() string { return StealthName }

// Fetch implements extraction.Strategy.
func (s *Stealth) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	if err := s.domains.Wait(ctx, task.URL); err != nil {
		return nil, err
	}
	if s.instances != nil {
		if err := s.instances.Acquire(ctx); err != nil {
			return nil, err
		}
		defer s.instances.Release()
	}

	profile := s.rotator.Next()
	s.logger.Debug("stealth profile",
		zap.String("url", task.URL),
		zap.String("user_agent", profile.UserAgent),
		zap.Int64("width", profile.Viewport.Width),
		zap.Int64("height", profile.Viewport.Height),
	)

	opts := append(baseAllocatorOptions(s.cfg, s.proxies.pick()),
		chromedp.UserAgent(profile.UserAgent),
		chromedp.WindowSize(int(profile.Viewport.Width), int(profile.Viewport.Height)),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	runCtx, cancel := withDeadline(browserCtx, ctx, s.cfg.navTimeout()+profile.Settle)
	defer cancel()

	rendered, err := render(runCtx, task, stealthActions(profile), profile.Settle, s.cfg.Guard)
	if err != nil {
		if ctx.Err() == nil && runCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return nil, err
	}
	return toContent(task, rendered)
}

// stealthActions disguise the tab before navigation.
func stealthActions(p Profile) []chromedp.Action {
	return []chromedp.Action{
		emulation.SetUserAgentOverride(p.UserAgent).WithAcceptLanguage("en-US,en;q=0.9"),
		emulation.SetDeviceMetricsOverride(p.Viewport.Width, p.Viewport.Height, 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
			return nil
		}),
	}
}
