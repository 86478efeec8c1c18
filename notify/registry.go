// Package notify dispatches runbook notify-step messages to named channels.
// A Registry routes each channel to a configured notifier; the bundled
// implementations cover Slack-compatible webhook endpoints and an in-memory
// recorder for tests.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opsrun/opsrun/runbook"
)

// Registry routes notify-step messages to per-channel notifiers, with an
// optional default for channels that have no explicit route. It satisfies
// runbook.Notifier so it can be installed directly on the executor.
type Registry struct {
	mu       sync.RWMutex
	routes   map[string]runbook.Notifier
	fallback runbook.Notifier
	logger   *slog.Logger
}

var _ runbook.Notifier = (*Registry)(nil)

// NewRegistry returns an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		routes: make(map[string]runbook.Notifier),
		logger: logger,
	}
}

// Register routes a channel to a notifier, replacing any existing route.
func (r *Registry) Register(channel string, n runbook.Notifier) {
	if n == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[channel] = n
}

// SetDefault installs the notifier used for channels without an explicit
// route.
func (r *Registry) SetDefault(n runbook.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = n
}

// Channels returns the explicitly routed channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify dispatches the message to the channel's notifier, falling back to
// the default route.
func (r *Registry) Notify(ctx context.Context, channel, message string) error {
	r.mu.RLock()
	n, ok := r.routes[channel]
	if !ok {
		n = r.fallback
	}
	r.mu.RUnlock()

	if n == nil {
		return fmt.Errorf("no notifier registered for channel %q", channel)
	}
	if err := n.Notify(ctx, channel, message); err != nil {
		return err
	}
	r.logger.Debug("notification dispatched", "channel", channel)
	return nil
}
