package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy governs how rate-limited requests are retried. Delays grow
// geometrically from Base by Multiplier, capped at MaxDelay when it is
// positive. MaxAttempts counts the first try. A zero Base retries without
// waiting; only the zero RetryPolicy means [DefaultRetryPolicy].
type RetryPolicy struct {
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns 1 s, ×2, capped at 8 s, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 3,
	}
}

// withDefaults replaces the zero policy with [DefaultRetryPolicy] and
// normalises out-of-range fields of any other.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.Base < 0 {
		p.Base = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return p
}

// Delays returns the wait before each retry, in order. Its length is
// MaxAttempts-1.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	b := p.backoff(nil)
	var out []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return out
		}
		out = append(out, d)
	}
}

// backoff builds a fresh go-retry backoff for one Do call. onRetry, if set,
// is told about each scheduled retry (1-based) and its delay.
func (p RetryPolicy) backoff(onRetry func(attempt int, wait time.Duration)) retry.Backoff {
	next := p.Base
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next = time.Duration(float64(next) * p.Multiplier)
		return d, false
	})
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	if onRetry == nil {
		return b
	}
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			attempt++
			onRetry(attempt, d)
		}
		return d, stop
	})
}

// Do runs op, retrying it while it fails with [ErrRateLimited]. Any other
// error is returned immediately. When all attempts are rate limited the
// result wraps both [ErrSessionDegraded] and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, onRetry func(attempt int, wait time.Duration)) error {
	p = p.withDefaults()
	err := retry.Do(ctx, p.backoff(onRetry), func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, ErrRateLimited) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrRateLimited) {
		return fmt.Errorf("%w: %w", ErrSessionDegraded, err)
	}
	return err
}
