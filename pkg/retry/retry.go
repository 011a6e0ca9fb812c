// Copyright 2025 Certen Protocol
//
// Transient-Error Retry with Exponential Backoff
// Delay for attempt k is min(initial * multiplier^k, max) plus a uniform
// 10-30% jitter of the capped delay. Non-retryable errors surface at once.

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Config controls the retry loop. Zero fields take the defaults applied by
// the constructor; a nil IsRetryable uses DefaultIsRetryable.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	IsRetryable  func(error) bool

	// Injection points for tests. Production code leaves these nil.
	Sleep  func(context.Context, time.Duration) error
	Random func() float64
}

// NewConfig returns a Config with production defaults and the given ceiling.
func NewConfig(maxRetries int) Config {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		IsRetryable:  DefaultIsRetryable,
	}
}

// Do runs op, retrying transient failures up to cfg.MaxRetries additional
// attempts. The last observed error is returned when retries are exhausted.
func Do(ctx context.Context, cfg Config, op func() error) error {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 0; ; attempt++ {
		last = op()
		if last == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !cfg.IsRetryable(last) {
			return last
		}
		if err := sleep(ctx, cfg.DelayFor(attempt)); err != nil {
			return last
		}
	}
}

// DelayFor computes the backoff delay for a 0-indexed attempt, jitter
// included. Exposed so the timing law can be verified directly.
func (c Config) DelayFor(attempt int) time.Duration {
	base := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if capped := float64(c.MaxDelay); base > capped {
		base = capped
	}
	random := c.Random
	if random == nil {
		random = rand.Float64
	}
	jitter := base * (0.10 + 0.20*random())
	return time.Duration(base + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultIsRetryable classifies transient transport failures: timeouts,
// refused or reset connections, HTTP 429 and the 5xx family.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || (code >= 500 && code <= 599)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"too many requests",
		"rate limit",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
