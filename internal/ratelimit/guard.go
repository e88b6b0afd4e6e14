// internal/ratelimit/guard.go
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

// Policy tunes when the guard lets a call go out.
type Policy struct {
	// LowWaterFraction is the share of the limit below which calls are
	// throttled, as long as the reset is further away than MinWait.
	LowWaterFraction float64
	// MinWait is the shortest reset distance worth throttling for.
	MinWait time.Duration
	// RefreshInterval bounds how often a dedicated rate-limit request is made.
	RefreshInterval time.Duration
	// RequestsPerSecond paces calls proactively. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// DefaultPolicy returns the production policy: throttle under 5% of quota,
// refresh at most once a minute, pace at 10 requests per second.
func DefaultPolicy() Policy {
	return Policy{
		LowWaterFraction:  0.05,
		MinWait:           3 * time.Second,
		RefreshInterval:   time.Minute,
		RequestsPerSecond: 10,
		Burst:             10,
	}
}

// Decision is the outcome of a pre-call check.
type Decision struct {
	Proceed bool
	Wait    time.Duration
	Info    model.RateLimitInfo
}

// Refresher fetches a fresh quota snapshot from the API.
type Refresher func(ctx context.Context) (model.RateLimitInfo, error)

// Guard holds the quota view for one AuthContext. It is safe for concurrent
// use by the batches of a single fetch.
type Guard struct {
	mu          sync.Mutex
	info        model.RateLimitInfo
	observedAt  time.Time
	lastRefresh time.Time
	refresher   Refresher

	policy Policy
	bucket *rate.Limiter
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithRefresher sets the function used for dedicated quota checks.
func WithRefresher(r Refresher) Option {
	return func(g *Guard) { g.refresher = r }
}

// WithInitial seeds the snapshot, typically from the identity check.
func WithInitial(info model.RateLimitInfo) Option {
	return func(g *Guard) {
		g.info = info
		g.observedAt = g.now()
	}
}

// NewGuard creates a Guard.
func NewGuard(policy Policy, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		policy: policy,
		now:    time.Now,
		logger: logger,
	}
	if policy.RequestsPerSecond > 0 {
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		g.bucket = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRefresher installs the refresher after construction. The resolver
// builds the API client after the guard exists.
func (g *Guard) SetRefresher(r Refresher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresher = r
}

// Observe records quota metadata taken from a response. Snapshots without a
// limit carry no information and are ignored.
func (g *Guard) Observe(info model.RateLimitInfo) {
	if !info.Known() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.info = info
	g.observedAt = g.now()
}

// Snapshot returns the most recent quota view.
func (g *Guard) Snapshot() model.RateLimitInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.info
}

// CheckBeforeCall decides whether a call may go out now. It never sleeps
// until the reset; a Throttle decision is returned to the caller instead.
// The only wait is the proactive pacing bucket, which honors ctx.
func (g *Guard) CheckBeforeCall(ctx context.Context) (Decision, error) {
	g.maybeRefresh(ctx)

	g.mu.Lock()
	d := decide(g.info, g.now(), g.policy)
	g.mu.Unlock()

	if !d.Proceed {
		g.logger.Warn("Throttling GitHub call",
			"remaining", d.Info.Remaining,
			"limit", d.Info.Limit,
			"wait", d.Wait.Truncate(time.Second).String())
		return d, nil
	}

	if g.bucket != nil {
		if err := g.bucket.Wait(ctx); err != nil {
			return Decision{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return d, nil
}

// Guard runs CheckBeforeCall and turns a Throttle into a RateLimitError.
func (g *Guard) Guard(ctx context.Context) error {
	d, err := g.CheckBeforeCall(ctx)
	if err != nil {
		return err
	}
	if !d.Proceed {
		return custom_errors.NewRateLimitError(d.Info.ResetTime(),
			fmt.Sprintf("rate limit nearly exhausted (%d/%d remaining)", d.Info.Remaining, d.Info.Limit))
	}
	return nil
}

// Refresh forces a dedicated quota request, still bounded by RefreshInterval.
func (g *Guard) Refresh(ctx context.Context) model.RateLimitInfo {
	g.maybeRefresh(ctx)
	return g.Snapshot()
}

func (g *Guard) maybeRefresh(ctx context.Context) {
	g.mu.Lock()
	now := g.now()
	stale := !g.info.Known() || now.Sub(g.observedAt) >= g.policy.RefreshInterval
	due := g.lastRefresh.IsZero() || now.Sub(g.lastRefresh) >= g.policy.RefreshInterval
	refresher := g.refresher
	if refresher == nil || !stale || !due {
		g.mu.Unlock()
		return
	}
	g.lastRefresh = now
	g.mu.Unlock()

	info, err := refresher(ctx)
	if err != nil {
		g.logger.Debug("Rate limit refresh failed", "error", err)
		return
	}
	g.Observe(info)
}

func decide(info model.RateLimitInfo, now time.Time, policy Policy) Decision {
	d := Decision{Proceed: true, Info: info}
	if !info.Known() {
		return d
	}
	reset := info.ResetTime()
	if !reset.After(now) {
		// The window has rolled over; the snapshot is no longer binding.
		return d
	}
	wait := reset.Sub(now)
	if info.Remaining <= 0 {
		return Decision{Proceed: false, Wait: wait, Info: info}
	}
	lowWater := float64(info.Limit) * policy.LowWaterFraction
	if float64(info.Remaining) < lowWater && wait > policy.MinWait {
		return Decision{Proceed: false, Wait: wait, Info: info}
	}
	return d
}
