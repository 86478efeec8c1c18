package deploy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the available deployment strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]StrategyExecutor
}

// NewRegistry creates a registry pre-loaded with the built-in strategies,
// all sharing the given store, prober and platform.
func NewRegistry(store Store, prober HealthProber, platform Platform, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		strategies: make(map[string]StrategyExecutor),
	}
	r.Register(NewRollingStrategy(store, prober, platform, logger))
	r.Register(NewBlueGreenStrategy(store, prober, platform, logger))
	r.Register(NewCanaryStrategy(store, prober, platform, logger))
	return r
}

// Register adds a strategy, replacing any existing one with the same name.
func (r *Registry) Register(s StrategyExecutor) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get returns the strategy with the given name, or false if not registered.
func (r *Registry) Get(name string) (StrategyExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Require returns the strategy with the given name or an error naming it.
func (r *Registry) Require(name string) (StrategyExecutor, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown deployment strategy %q", name)
	}
	return s, nil
}

// List returns the sorted names of all registered strategies.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
