// Package ratelimit implements a sliding-window request limiter keyed by bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
)

// Scope selects how URLs map to buckets.
type Scope string

// Supported scopes.
const (
	ScopeGlobal Scope = "global"
	ScopeHost   Scope = "host"
)

const globalKey = "global"

// Config holds limiter configuration.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Scope       Scope
	// MaxJitter bounds the random delay added on re-admission. Zero uses one second;
	// a negative value disables jitter.
	MaxJitter time.Duration
}

// Stats summarizes limiter activity since construction.
type Stats struct {
	TotalCalls int64         `json:"total_calls"`
	Throttled  int64         `json:"throttled"`
	AvgWait    time.Duration `json:"avg_wait"`
}

// Limiter caps requests per trailing window for each bucket key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	cfg     Config

	now    func() time.Time
	jitter func() time.Duration

	totalCalls int64
	throttled  int64
	totalWait  time.Duration
}

// New creates a Limiter. MaxRequests <= 0 disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	maxJitter := cfg.MaxJitter
	if maxJitter == 0 {
		maxJitter = time.Second
	}
	l := &Limiter{
		windows: make(map[string][]time.Time),
		cfg:     cfg,
		now:     time.Now,
	}
	l.jitter = func() time.Duration {
		if maxJitter <= 0 {
			return 0
		}
		return rand.N(maxJitter)
	}
	return l
}

// Key maps a URL to its bucket according to the configured scope.
func (l *Limiter) Key(rawURL string) string {
	if l == nil || l.cfg.Scope != ScopeHost {
		return globalKey
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Wait acquires a slot for the bucket derived from rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	return l.Acquire(ctx, l.Key(rawURL))
}

// Acquire blocks until the bucket has fewer than MaxRequests entries in the trailing
// window, then records the request.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	if l == nil || l.cfg.MaxRequests <= 0 {
		return nil
	}
	start := l.now()
	throttled := false
	for {
		delay, ok := l.tryAdmit(key)
		if ok {
			l.record(key, throttled, l.now().Sub(start))
			return nil
		}
		throttled = true
		if err := system.Sleep(ctx, delay); err != nil {
			l.record(key, throttled, l.now().Sub(start))
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

// tryAdmit records a request when the window has room, or returns how long to wait.
func (l *Limiter) tryAdmit(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	window := prune(l.windows[key], now.Add(-l.cfg.Window))
	if len(window) < l.cfg.MaxRequests {
		l.windows[key] = append(window, now)
		return 0, true
	}
	l.windows[key] = window
	delay := window[0].Add(l.cfg.Window).Sub(now) + l.jitter()
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay, false
}

func (l *Limiter) record(key string, throttled bool, waited time.Duration) {
	l.mu.Lock()
	l.totalCalls++
	if throttled {
		l.throttled++
		l.totalWait += waited
	}
	l.mu.Unlock()
	if throttled {
		telemetry.ObserveRateLimitDelay(key, waited)
	}
}

// Stats returns cumulative counters. AvgWait is averaged over all calls.
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{TotalCalls: l.totalCalls, Throttled: l.throttled}
	if l.totalCalls > 0 {
		s.AvgWait = l.totalWait / time.Duration(l.totalCalls)
	}
	return s
}

// prune drops timestamps at or before cutoff. The slice is ordered oldest first.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
