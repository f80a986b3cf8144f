package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/jaga/pkg/live"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLive] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from the full configuration.
type LiveFactory func(cfg *Config) (live.Provider, error)

// Registry maps live provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]LiveFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]LiveFactory)}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// LiveNames returns the registered provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateLive instantiates the provider named by cfg.Live.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLive(cfg *Config) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Live.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Live.Provider)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create live provider %q: %w", cfg.Live.Provider, err)
	}
	return p, nil
}
