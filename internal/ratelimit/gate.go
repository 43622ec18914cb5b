// Package ratelimit implements the admission gate that bounds outbound send
// throughput and concurrency for the whole dispatch subsystem.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrGateClosed is returned to waiters once the gate has been closed.
var ErrGateClosed = errors.New("admission gate closed")

// Limits configures the gate.
type Limits struct {
	Rate        float64 `json:"rate"`  // sustained sends per second
	Burst       int     `json:"burst"` // bucket size
	MaxInFlight int     `json:"max_in_flight"`
}

func (l Limits) Validate() error {
	if l.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", l.Rate)
	}
	if l.Burst < 1 {
		return fmt.Errorf("burst must be at least 1, got %d", l.Burst)
	}
	if l.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight must be at least 1, got %d", l.MaxInFlight)
	}
	return nil
}

// Gate is a token bucket plus an in-flight bound. It knows nothing about
// campaigns and is shared by every dispatch run.
type Gate struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	limits Limits
	slots  *semaphore.Weighted

	closed    chan struct{}
	closeOnce sync.Once
}

func NewGate(l Limits) (*Gate, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(l.Rate), l.Burst),
		limits:  l,
		slots:   semaphore.NewWeighted(int64(l.MaxInFlight)),
		closed:  make(chan struct{}),
	}, nil
}

// Acquire blocks until an in-flight slot and a rate token are both available.
// The returned release must be called exactly once when the send is finished.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if g.isClosed() {
		return nil, ErrGateClosed
	}
	ctx, cancel := g.bind(ctx)
	defer cancel()

	slots := g.currentSlots()
	if err := slots.Acquire(ctx, 1); err != nil {
		return nil, g.translate(err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		slots.Release(1)
		return nil, g.translate(err)
	}

	var once sync.Once
	return func() { once.Do(func() { slots.Release(1) }) }, nil
}

// Wait takes a rate token without an in-flight slot; used for retries of a
// job that already holds a slot.
func (g *Gate) Wait(ctx context.Context) error {
	if g.isClosed() {
		return ErrGateClosed
	}
	ctx, cancel := g.bind(ctx)
	defer cancel()

	return g.translate(g.limiter.Wait(ctx))
}

// Reconfigure swaps the limits at runtime. Slots already held are released
// into the semaphore they came from, so a lowered MaxInFlight is reached once
// those sends finish.
func (g *Gate) Reconfigure(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.limiter.SetLimit(rate.Limit(l.Rate))
	g.limiter.SetBurst(l.Burst)
	if l.MaxInFlight != g.limits.MaxInFlight {
		g.slots = semaphore.NewWeighted(int64(l.MaxInFlight))
	}
	g.limits = l
	return nil
}

func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Close releases every current and future waiter with ErrGateClosed.
func (g *Gate) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

func (g *Gate) currentSlots() *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots
}

// bind derives a context that is also cancelled when the gate closes.
func (g *Gate) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-g.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (g *Gate) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

func (g *Gate) translate(err error) error {
	if err != nil && g.isClosed() {
		return ErrGateClosed
	}
	return err
}
