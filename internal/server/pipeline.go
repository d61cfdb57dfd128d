package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/api"
	"github.com/JakeFAU/resilient-extractor/internal/breaker"
	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/detect"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	collyfetcher "github.com/JakeFAU/resilient-extractor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/resilient-extractor/internal/fetcher/headless"
	"github.com/JakeFAU/resilient-extractor/internal/fetcher/reader"
	"github.com/JakeFAU/resilient-extractor/internal/orchestrator"
	"github.com/JakeFAU/resilient-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/resilient-extractor/internal/pool"
	"github.com/JakeFAU/resilient-extractor/internal/quality"
	"github.com/JakeFAU/resilient-extractor/internal/retry"
	"github.com/JakeFAU/resilient-extractor/internal/scheduler"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
	"github.com/JakeFAU/resilient-extractor/internal/validate"
)

// Pipeline is the validated extraction path shared by the CLI and the API:
// validator, strategy chain and wave scheduler plus the resources they hold.
type Pipeline struct {
	Validator *validate.Validator
	Breakers  *breaker.Registry
	Limiter   *ratelimit.Limiter
	Chain     *orchestrator.Chain
	Scheduler *scheduler.Scheduler

	// Tabs and Instances are nil when no headless strategy is configured.
	Tabs      *pool.Pool
	Instances *pool.InstanceLimiter

	browser *headlessfetcher.Browser
	logger  *zap.Logger
}

var (
	_ api.Extractor      = (*Pipeline)(nil)
	_ api.ResourceSource = (*Pipeline)(nil)
)

// BuildPipeline assembles the strategy chain named by cfg.Extraction.Strategies.
// Unknown strategy names fail here rather than at the first request.
func BuildPipeline(cfg config.Config, observer extraction.Observer, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = extraction.NopObserver{}
	}
	opts := cfg.Extraction.Options()

	p := &Pipeline{
		Validator: validate.Default(),
		logger:    logger.Named("pipeline"),
	}
	p.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: opts.FailureThreshold,
		ResetTimeout:     opts.ResetTimeout,
	}, breaker.Scope(cfg.Extraction.BreakerScope), breaker.LogTransitions(logger.Named("breaker"), observer))
	p.Limiter = ratelimit.New(ratelimit.Config{
		MaxRequests: opts.RateLimitMax,
		Window:      opts.RateLimitWindow,
		Scope:       ratelimit.Scope(cfg.Extraction.RateLimit.Scope),
	})

	strategies := make([]extraction.Strategy, 0, len(cfg.Extraction.Strategies))
	for _, name := range cfg.Extraction.Strategies {
		strategy, err := p.buildStrategy(cfg, name, logger)
		if err != nil {
			p.release()
			return nil, err
		}
		strategies = append(strategies, strategy)
	}

	chain, err := orchestrator.New(strategies, orchestrator.Deps{
		Limiter:  p.Limiter,
		Breakers: p.Breakers,
		Gate: quality.New(quality.Config{
			MinLength:      cfg.Quality.MinLength,
			MinUniqueChars: cfg.Quality.MinUniqueChars,
			MinWords:       cfg.Quality.MinWords,
			MaxRepetition:  cfg.Quality.MaxRepetition,
			MaxSpamMatches: cfg.Quality.MaxSpamMatches,
		}),
		Detector: detect.New(),
		Observer: observer,
		Logger:   logger,
		Tracer:   telemetry.Tracer(),
		Clock:    system.New(),
	}, orchestrator.Config{
		FetchTimeout:    opts.FetchTimeout,
		FallbackDivisor: opts.FallbackDivisor,
		Retry: retry.Policy{
			MaxAttempts: opts.MaxRetries,
			BaseDelay:   opts.RetryBaseDelay,
		},
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("build strategy chain: %w", err)
	}
	p.Chain = chain
	p.Scheduler = scheduler.New(chain, scheduler.Config{
		MaxConcurrent:  opts.MaxConcurrent,
		WaveDelay:      opts.WaveDelay,
		RandomizeDelay: cfg.Extraction.RandomizeDelay,
	}, observer, logger)

	p.logger.Info("extraction pipeline ready",
		zap.Strings("strategies", chain.Strategies()),
		zap.Int("max_concurrent", opts.MaxConcurrent),
		zap.String("breaker_scope", cfg.Extraction.BreakerScope),
		zap.String("rate_limit_scope", cfg.Extraction.RateLimit.Scope),
	)
	return p, nil
}

func (p *Pipeline) headlessConfig(cfg config.Config) headlessfetcher.Config {
	userAgent := cfg.Headless.UserAgent
	if userAgent == "" {
		userAgent = cfg.HTTP.UserAgent
	}
	return headlessfetcher.Config{
		UserAgent:         userAgent,
		NavigationTimeout: config.Timeout(cfg.Headless.NavTimeoutSec),
		DomainRPS:         cfg.Headless.DomainRPS,
		ExecPath:          cfg.Headless.ExecPath,
		Proxies:           cfg.Proxy.URLs,
		Guard:             p.Validator,
	}
}

func (p *Pipeline) instances(cfg config.Config) *pool.InstanceLimiter {
	if p.Instances == nil {
		p.Instances = pool.NewInstanceLimiter(cfg.Extraction.InstanceCap)
	}
	return p.Instances
}

func (p *Pipeline) buildStrategy(cfg config.Config, name string, logger *zap.Logger) (extraction.Strategy, error) {
	switch name {
	case collyfetcher.Name:
		direct, err := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.HTTP.UserAgent,
			RespectRobots: cfg.HTTP.RespectRobots,
			Timeout:       config.Timeout(cfg.HTTP.TimeoutSeconds),
			Proxies:       cfg.Proxy.URLs,
			Redirects:     p.Validator,
		})
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		return direct, nil
	case headlessfetcher.PrimaryName:
		hcfg := p.headlessConfig(cfg)
		p.browser = headlessfetcher.NewBrowser(hcfg, p.instances(cfg))
		p.Tabs = pool.New(p.browser, pool.Config{MaxSize: cfg.Extraction.PoolMaxSize})
		return headlessfetcher.NewPrimary(hcfg, p.Tabs, logger), nil
	case headlessfetcher.StealthName:
		return headlessfetcher.NewStealth(p.headlessConfig(cfg), p.instances(cfg), logger), nil
	case reader.JinaName:
		return reader.NewJina(readerConfig(cfg.Reader.Jina)), nil
	case reader.FirecrawlName:
		fc, err := reader.NewFirecrawl(readerConfig(cfg.Reader.Firecrawl))
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		return fc, nil
	case reader.RotationName:
		return p.buildRotation(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// buildRotation always includes Jina. Firecrawl joins only when it has a key.
func (p *Pipeline) buildRotation(cfg config.Config, logger *zap.Logger) (extraction.Strategy, error) {
	providers := []reader.Provider{{
		Strategy: reader.NewJina(readerConfig(cfg.Reader.Jina)),
		Weight:   cfg.Reader.Jina.Weight,
	}}
	fc, err := reader.NewFirecrawl(readerConfig(cfg.Reader.Firecrawl))
	switch {
	case err == nil:
		providers = append(providers, reader.Provider{Strategy: fc, Weight: cfg.Reader.Firecrawl.Weight})
	case errors.Is(err, reader.ErrMissingAPIKey):
		p.logger.Info("firecrawl api key not set, reader rotation uses jina only")
	default:
		return nil, fmt.Errorf("strategy %s: %w", reader.RotationName, err)
	}
	rotation, err := reader.NewRotation(providers, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", reader.RotationName, err)
	}
	return rotation, nil
}

func readerConfig(c config.ReaderServiceConfig) reader.Config {
	return reader.Config{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Timeout: config.Timeout(c.TimeoutSeconds),
	}
}

// Validate implements api.Extractor.
func (p *Pipeline) Validate(batchID string, raw []extraction.RawTask) ([]extraction.Task, error) {
	tasks, err := p.Validator.Batch(batchID, raw)
	if err != nil {
		return nil, fmt.Errorf("validate batch: %w", err)
	}
	return tasks, nil
}

// Run validates raw input and runs it as one batch. Only validation fails it;
// per-task failures are reported in the result.
func (p *Pipeline) Run(ctx context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error) {
	tasks, err := p.Validate(batchID, raw)
	if err != nil {
		return extraction.BatchResult{}, err
	}
	return p.RunBatch(ctx, batchID, tasks), nil
}

// RunBatch runs already validated tasks. It satisfies worker.Runner.
func (p *Pipeline) RunBatch(ctx context.Context, batchID string, tasks []extraction.Task) extraction.BatchResult {
	return p.Scheduler.RunBatch(ctx, batchID, tasks)
}

// Resources implements api.ResourceSource.
func (p *Pipeline) Resources() api.Resources {
	stats := p.Limiter.Stats()
	res := api.Resources{RateLimit: &stats}
	if p.Tabs != nil {
		ps := p.Tabs.Stats()
		res.Pool = &ps
	}
	if p.Instances != nil {
		res.Instances = &api.InstanceStats{
			Cap:      p.Instances.Cap(),
			InFlight: p.Instances.InFlight(),
			Peak:     p.Instances.Peak(),
		}
	}
	return res
}

// Close shuts the tab pool down and stops the shared browser.
func (p *Pipeline) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var err error
	if p.Tabs != nil {
		if shutdownErr := p.Tabs.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutdown tab pool: %w", shutdownErr)
		}
	}
	if p.browser != nil {
		p.browser.Close()
	}
	return err
}

func (p *Pipeline) release() {
	if err := p.Close(context.Background()); err != nil {
		p.logger.Warn("pipeline cleanup failed", zap.Error(err))
	}
}
