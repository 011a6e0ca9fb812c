// Copyright 2025 Certen Protocol

package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("http status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := NewConfig(3)
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := NewConfig(5)
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	fatal := errors.New("invalid scope")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAndReturnsLastError(t *testing.T) {
	cfg := NewConfig(2)
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return statusErr{code: 503}
	})
	assert.Equal(t, 3, calls) // initial try + 2 retries
	var sc StatusCoder
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, 503, sc.StatusCode())
}

func TestDelayForBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
	for _, r := range []float64{0, 0.5, 1} {
		cfg.Random = func() float64 { return r }
		for k := 0; k < 8; k++ {
			base := float64(100*time.Millisecond) * pow(2, k)
			if base > float64(2*time.Second) {
				base = float64(2 * time.Second)
			}
			d := float64(cfg.DelayFor(k))
			assert.GreaterOrEqual(t, d, 1.10*base-1, "attempt %d r=%v", k, r)
			assert.LessOrEqual(t, d, 1.30*base+1, "attempt %d r=%v", k, r)
		}
	}
}

func pow(base float64, k int) float64 {
	out := 1.0
	for i := 0; i < k; i++ {
		out *= base
	}
	return out
}

func TestDefaultIsRetryable(t *testing.T) {
	assert.True(t, DefaultIsRetryable(errors.New("request timed out")))
	assert.True(t, DefaultIsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, DefaultIsRetryable(errors.New("read: connection reset by peer")))
	assert.True(t, DefaultIsRetryable(statusErr{code: 429}))
	assert.True(t, DefaultIsRetryable(statusErr{code: 500}))
	assert.True(t, DefaultIsRetryable(statusErr{code: 503}))

	assert.False(t, DefaultIsRetryable(nil))
	assert.False(t, DefaultIsRetryable(statusErr{code: 400}))
	assert.False(t, DefaultIsRetryable(errors.New("account not found")))
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const permits = 3
	lim := NewLimiter(permits)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, lim.Acquire(context.Background()))
			defer lim.Release()
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(permits))
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	lim := NewLimiter(1)
	require.NoError(t, lim.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := lim.Acquire(ctx)
	assert.Error(t, err)
	lim.Release()
}
