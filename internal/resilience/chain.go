package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Chain.Do] when no entry produced a result. The
// last entry's error is wrapped alongside it.
var ErrAllFailed = errors.New("resilience: all entries failed")

// ChainConfig tunes a [Chain].
type ChainConfig struct {
	// Breaker is the template for every entry's breaker. Its Name is replaced
	// by the entry name.
	Breaker BreakerConfig

	// ShouldFallback reports whether err moves the chain to the next entry.
	// When it returns false the error is returned as is. Default: any error
	// except context cancellation or deadline expiry.
	ShouldFallback func(error) bool
}

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain is an ordered list of interchangeable values, typically model names,
// each guarded by its own [Breaker]. Entries are tried in the order they were
// added.
type Chain[T any] struct {
	cfg   ChainConfig
	links []link[T]
}

// NewChain returns an empty chain.
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	if cfg.ShouldFallback == nil {
		cfg.ShouldFallback = backendFault
	}
	return &Chain[T]{cfg: cfg}
}

// Add appends an entry. It is not safe to call Add once the chain is in use.
func (c *Chain[T]) Add(name string, v T) *Chain[T] {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewBreaker(bc)})
	return c
}

// Names lists the entries in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Breaker returns the breaker guarding the named entry, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Do calls fn with each entry until one succeeds. Entries whose breaker is
// open are skipped. It stops early when ctx is done or when ShouldFallback
// rejects an error.
func (c *Chain[T]) Do(ctx context.Context, fn func(ctx context.Context, v T) error) error {
	if len(c.links) == 0 {
		return fmt.Errorf("%w: chain is empty", ErrAllFailed)
	}
	var lastErr error
	for i, l := range c.links {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.breaker.Do(func() error { return fn(ctx, l.value) })
		if err == nil {
			if i > 0 {
				slog.Debug("resilience: served by fallback", "entry", l.name, "position", i)
			}
			return nil
		}
		if !errors.Is(err, ErrCircuitOpen) && !c.cfg.ShouldFallback(err) {
			return err
		}
		slog.Warn("resilience: entry failed", "entry", l.name, "err", err)
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Call runs [Chain.Do] and returns the first result produced.
func Call[T, R any](ctx context.Context, c *Chain[T], fn func(ctx context.Context, v T) (R, error)) (R, error) {
	var out R
	err := c.Do(ctx, func(ctx context.Context, v T) error {
		r, err := fn(ctx, v)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}
