package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Provider is a weighted reader in a rotation.
type Provider struct {
	Strategy extraction.Strategy
	// Weight is the relative share of traffic. Cheaper services get more.
	Weight int
}

// Rotation spreads tasks across reader services with smooth weighted round
// robin. If the picked service fails, the others are tried in rotation order.
type Rotation struct {
	logger *zap.Logger

	mu        sync.Mutex
	providers []Provider
	current   []int
	total     int
}

// NewRotation builds the reader-rotation strategy.
func NewRotation(providers []Provider, logger *zap.Logger) (*Rotation, error) {
	if len(providers) == 0 {
		return nil, errors.New("reader rotation needs at least one provider")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotation{
		logger:    logger.Named(RotationName),
		providers: make([]Provider, len(providers)),
		current:   make([]int, len(providers)),
	}
	for i, p := range providers {
		if p.Strategy == nil {
			return nil, fmt.Errorf("reader rotation provider %d is nil", i)
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		r.providers[i] = p
		r.total += p.Weight
	}
	return r, nil
}

// Name implements extraction.Strategy.
func (r *Rotation) Name() string { return RotationName }

// next returns provider indexes with the weighted pick first.
func (r *Rotation) next() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := 0
	for i, p := range r.providers {
		r.current[i] += p.Weight
		if r.current[i] > r.current[best] {
			best = i
		}
	}
	r.current[best] -= r.total

	order := make([]int, 0, len(r.providers))
	for i := range r.providers {
		order = append(order, (best+i)%len(r.providers))
	}
	return order
}

// Fetch implements extraction.Strategy.
func (r *Rotation) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	var errs []error
	for _, idx := range r.next() {
		provider := r.providers[idx].Strategy
		out, err := provider.Fetch(ctx, task)
		if err == nil {
			return out, nil
		}
		r.logger.Debug("reader provider failed",
			zap.String("provider", provider.Name()),
			zap.String("url", task.URL),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
