package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/ethescrow/internal/metrics"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("journal: store unavailable")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Guarded wraps a Store with a circuit breaker. After threshold consecutive
// failures calls fail fast with ErrUnavailable for openFor, then a single
// probe is let through. ErrNotFound is a normal answer and never counts as
// a failure.
type Guarded struct {
	store     Store
	threshold int
	openFor   time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

var _ Store = (*Guarded)(nil)

// NewGuarded wraps store. Non-positive arguments take defaults of 5 failures
// and 30 seconds.
func NewGuarded(store Store, threshold int, openFor time.Duration) *Guarded {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Guarded{store: store, threshold: threshold, openFor: openFor}
}

func (g *Guarded) Upsert(ctx context.Context, r *Record) error {
	if !g.allow() {
		return ErrUnavailable
	}
	err := g.store.Upsert(ctx, r)
	g.done(err)
	return err
}

func (g *Guarded) Get(ctx context.Context, address string) (*Record, error) {
	if !g.allow() {
		return nil, ErrUnavailable
	}
	rec, err := g.store.Get(ctx, address)
	g.done(err)
	return rec, err
}

func (g *Guarded) List(ctx context.Context, account string, limit int, opts ...ListOption) ([]*Record, error) {
	if !g.allow() {
		return nil, ErrUnavailable
	}
	recs, err := g.store.List(ctx, account, limit, opts...)
	g.done(err)
	return recs, err
}

// Open reports whether calls are currently being refused.
func (g *Guarded) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateOpen && time.Since(g.openedAt) < g.openFor
}

func (g *Guarded) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case stateOpen:
		if time.Since(g.openedAt) < g.openFor {
			return false
		}
		g.transition(stateHalfOpen)
		return true
	case stateHalfOpen:
		return false // probe outstanding
	default:
		return true
	}
}

func (g *Guarded) done(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// caller cancellation says nothing about the store; release the probe
	if errors.Is(err, context.Canceled) {
		if g.state == stateHalfOpen {
			g.transition(stateOpen)
		}
		return
	}

	if err == nil || errors.Is(err, ErrNotFound) {
		g.failures = 0
		if g.state == stateHalfOpen {
			g.transition(stateClosed)
		}
		return
	}

	g.failures++
	if g.state == stateHalfOpen || g.failures >= g.threshold {
		g.openedAt = time.Now()
		g.transition(stateOpen)
	}
}

// transition requires g.mu.
func (g *Guarded) transition(to breakerState) {
	if g.state == to {
		return
	}
	metrics.JournalBreakerTransitionsTotal.WithLabelValues(g.state.String(), to.String()).Inc()
	g.state = to
}
