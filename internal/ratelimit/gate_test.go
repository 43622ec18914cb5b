package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewGateValidates(t *testing.T) {
	_, err := NewGate(Limits{Rate: 0, Burst: 1, MaxInFlight: 1})
	assert.Error(t, err)
	_, err = NewGate(Limits{Rate: 1, Burst: 0, MaxInFlight: 1})
	assert.Error(t, err)
	_, err = NewGate(Limits{Rate: 1, Burst: 1, MaxInFlight: 0})
	assert.Error(t, err)
}

func TestAcquireBoundsInFlight(t *testing.T) {
	g, err := NewGate(Limits{Rate: 1000, Burst: 100, MaxInFlight: 2})
	require.NoError(t, err)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), current.Load())
}

func TestAcquireHonoursRate(t *testing.T) {
	g, err := NewGate(Limits{Rate: 20, Burst: 1, MaxInFlight: 10})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		release, err := g.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
	// first token is free, the next four cost 50ms each
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireCancelled(t *testing.T) {
	g, err := NewGate(Limits{Rate: 100, Burst: 1, MaxInFlight: 1})
	require.NoError(t, err)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseReleasesWaiters(t *testing.T) {
	g, err := NewGate(Limits{Rate: 100, Burst: 1, MaxInFlight: 1})
	require.NoError(t, err)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	g.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrGateClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter was not released on close")
	}

	_, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrGateClosed)
	assert.ErrorIs(t, g.Wait(context.Background()), ErrGateClosed)
}

func TestReconfigure(t *testing.T) {
	g, err := NewGate(Limits{Rate: 1, Burst: 1, MaxInFlight: 1})
	require.NoError(t, err)

	require.Error(t, g.Reconfigure(Limits{Rate: -1, Burst: 1, MaxInFlight: 1}))

	require.NoError(t, g.Reconfigure(Limits{Rate: 1000, Burst: 50, MaxInFlight: 3}))
	assert.Equal(t, Limits{Rate: 1000, Burst: 50, MaxInFlight: 3}, g.Limits())

	// three concurrent holders fit after widening
	var releases []func()
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		release, err := g.Acquire(ctx)
		cancel()
		require.NoError(t, err)
		releases = append(releases, release)
	}
	for _, r := range releases {
		r()
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, err := NewGate(Limits{Rate: 1000, Burst: 10, MaxInFlight: 1})
	require.NoError(t, err)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.NotPanics(t, release)
}
