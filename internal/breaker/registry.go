package breaker

import (
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Scope selects the breaker key granularity.
type Scope string

// Supported scopes.
const (
	ScopeStrategy Scope = "strategy"
	ScopeTarget   Scope = "target"
)

// Registry owns one Breaker per key. It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	breakers     map[string]*Breaker
	cfg          Config
	scope        Scope
	onTransition TransitionFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, scope Scope, onTransition TransitionFunc) *Registry {
	if scope == "" {
		scope = ScopeStrategy
	}
	return &Registry{
		breakers:     make(map[string]*Breaker),
		cfg:          cfg.withDefaults(),
		scope:        scope,
		onTransition: onTransition,
	}
}

// Key returns the breaker key for a strategy and target URL.
func (r *Registry) Key(strategy, rawURL string) string {
	if r.scope != ScopeTarget {
		return strategy
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return strategy + "|" + host
}

// Get returns the breaker for strategy and target, creating it on first use.
func (r *Registry) Get(strategy, rawURL string) *Breaker {
	key := r.Key(strategy, rawURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg, r.onTransition)
		r.breakers[key] = b
	}
	return b
}

// States returns snapshots of every breaker, sorted by name.
func (r *Registry) States() []State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]State, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
