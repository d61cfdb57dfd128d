// Package pool keeps a bounded set of reusable fetch sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolClosed is returned once Shutdown has been called.
var ErrPoolClosed = errors.New("pool closed")

// Session is a reusable fetch session such as a browser tab.
type Session interface {
	// Reset returns the session to a neutral state (blank page, no cookies or cache).
	Reset(ctx context.Context) error
	Close() error
}

// Factory creates sessions on demand.
type Factory interface {
	New(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Session, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context) (Session, error) { return f(ctx) }

// Config bounds the pool.
type Config struct {
	MaxSize int
}

// Stats reports pool occupancy.
type Stats struct {
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Live    int `json:"live"`
	MaxSize int `json:"max_size"`
}

// Entry is a session checked out to exactly one caller.
type Entry struct {
	session Session
	created time.Time
	uses    int
	closed  bool
}

// Session returns the underlying session.
func (e *Entry) Session() Session { return e.session }

// Uses reports how many times the entry has been checked out.
func (e *Entry) Uses() int { return e.uses }

// Pool hands out sessions, creating up to MaxSize live sessions.
type Pool struct {
	factory Factory
	maxSize int

	mu     sync.Mutex
	idle   []*Entry
	inUse  map[*Entry]struct{}
	live   int
	closed bool
	notify chan struct{}
}

// New creates a Pool. MaxSize defaults to 5.
func New(factory Factory, cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	return &Pool{
		factory: factory,
		maxSize: cfg.MaxSize,
		inUse:   make(map[*Entry]struct{}),
		notify:  make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold p.mu.
func (p *Pool) broadcast() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Acquire returns an idle entry, creates one if under capacity, or waits.
func (p *Pool) Acquire(ctx context.Context) (*Entry, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkout(e)
			p.mu.Unlock()
			return e, nil
		}
		if p.live < p.maxSize {
			p.live++
			p.mu.Unlock()
			return p.create(ctx)
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pool acquire: %w", ctx.Err())
		case <-wait:
		}
	}
}

// create builds a session for a slot already reserved in p.live.
func (p *Pool) create(ctx context.Context) (*Entry, error) {
	s, err := p.factory.New(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.broadcast()
		p.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	e := &Entry{session: s, created: time.Now()}
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = s.Close()
		return nil, ErrPoolClosed
	}
	p.checkout(e)
	p.mu.Unlock()
	return e, nil
}

func (p *Pool) checkout(e *Entry) {
	e.uses++
	p.inUse[e] = struct{}{}
}

// Release resets the entry and returns it to the idle set. If the reset fails the
// session is closed and dropped; the reset error is returned for logging.
func (p *Pool) Release(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	p.mu.Lock()
	if _, ok := p.inUse[e]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.inUse, e)
	if p.closed {
		p.discardLocked(e)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := e.session.Reset(ctx); err != nil {
		p.mu.Lock()
		p.discardLocked(e)
		p.mu.Unlock()
		return fmt.Errorf("reset session: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.maxSize {
		p.discardLocked(e)
		return nil
	}
	p.idle = append(p.idle, e)
	p.broadcast()
	return nil
}

// Discard closes an entry without returning it to the pool.
func (p *Pool) Discard(e *Entry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[e]; !ok {
		return
	}
	delete(p.inUse, e)
	p.discardLocked(e)
}

func (p *Pool) discardLocked(e *Entry) {
	if !e.closed {
		e.closed = true
		p.live--
		_ = e.session.Close()
	}
	p.broadcast()
}

// Shutdown closes idle and checked-out sessions. Later Acquire calls fail.
func (p *Pool) Shutdown(_ context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*Entry, 0, len(p.idle)+len(p.inUse))
	entries = append(entries, p.idle...)
	for e := range p.inUse {
		entries = append(entries, e)
	}
	p.idle = nil
	p.inUse = make(map[*Entry]struct{})
	for _, e := range entries {
		e.closed = true
		p.live--
	}
	p.broadcast()
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Live:    p.live,
		MaxSize: p.maxSize,
	}
}
