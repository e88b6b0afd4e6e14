// internal/ratelimit/registry.go
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Registry hands out one Guard per quota bucket so concurrent requests made
// with the same credential share a single view of the remaining quota.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*Guard
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(policy Policy, logger *slog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		guards: make(map[string]*Guard),
		policy: policy,
		now:    now,
		logger: logger,
	}
}

// For returns the guard for key, creating it on first use. The boolean is
// true when the guard already existed.
func (r *Registry) For(key string) (*Guard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[key]; ok {
		return g, true
	}
	g := NewGuard(r.policy, r.logger.With("quota", key), WithClock(r.now))
	r.guards[key] = g
	return g, false
}
