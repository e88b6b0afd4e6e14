// internal/ratelimit/guard_test.go
package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unpaced disables the token bucket so tests only exercise quota decisions.
func unpaced() Policy {
	p := DefaultPolicy()
	p.RequestsPerSecond = 0
	return p
}

func TestGuard_CheckBeforeCall(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	tests := []struct {
		name        string
		info        model.RateLimitInfo
		wantProceed bool
		wantWait    time.Duration
	}{
		{
			name:        "unknown quota proceeds",
			info:        model.RateLimitInfo{},
			wantProceed: true,
		},
		{
			name:        "healthy quota proceeds",
			info:        model.NewRateLimitInfo(5000, 4000, clock.now.Add(time.Hour).Unix()),
			wantProceed: true,
		},
		{
			name:        "below low water with distant reset throttles",
			info:        model.NewRateLimitInfo(5000, 100, clock.now.Add(10*time.Minute).Unix()),
			wantProceed: false,
			wantWait:    10 * time.Minute,
		},
		{
			name:        "below low water with imminent reset proceeds",
			info:        model.NewRateLimitInfo(5000, 100, clock.now.Add(2*time.Second).Unix()),
			wantProceed: true,
		},
		{
			name:        "exhausted with imminent reset still throttles",
			info:        model.NewRateLimitInfo(5000, 0, clock.now.Add(2*time.Second).Unix()),
			wantProceed: false,
			wantWait:    2 * time.Second,
		},
		{
			name:        "exhausted but reset already passed proceeds",
			info:        model.NewRateLimitInfo(5000, 0, clock.now.Add(-time.Second).Unix()),
			wantProceed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(unpaced(), testLogger(), WithClock(clock.Now), WithInitial(tt.info))

			d, err := g.CheckBeforeCall(ctx)

			require.NoError(t, err)
			assert.Equal(t, tt.wantProceed, d.Proceed)
			assert.Equal(t, tt.wantWait, d.Wait)
		})
	}
}

func TestGuard_NeverPermitsWhenExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(unpaced(), testLogger(), WithClock(clock.Now))

	for _, limit := range []int{1, 60, 5000, 15000} {
		for _, ahead := range []time.Duration{time.Second, time.Minute, time.Hour} {
			g.Observe(model.NewRateLimitInfo(limit, 0, clock.now.Add(ahead).Unix()))
			for i := 0; i < 5; i++ {
				d, err := g.CheckBeforeCall(context.Background())
				require.NoError(t, err)
				assert.False(t, d.Proceed, "limit=%d reset in %s", limit, ahead)
				clock.Advance(100 * time.Millisecond)
			}
		}
	}
}

func TestGuard_Guard(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	reset := clock.now.Add(time.Hour)
	g := NewGuard(unpaced(), testLogger(), WithClock(clock.Now),
		WithInitial(model.NewRateLimitInfo(5000, 0, reset.Unix())))

	err := g.Guard(context.Background())

	require.Error(t, err)
	var ce *custom_errors.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, custom_errors.KindRateLimit, ce.Kind)
	assert.Equal(t, reset.Unix(), ce.ResetEpochSeconds)
}

func TestGuard_ObserveIgnoresEmptySnapshots(t *testing.T) {
	g := NewGuard(unpaced(), testLogger())
	info := model.NewRateLimitInfo(5000, 4999, time.Now().Add(time.Hour).Unix())

	g.Observe(info)
	g.Observe(model.RateLimitInfo{})

	assert.Equal(t, info, g.Snapshot())
}

func TestGuard_RefreshIsBounded(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	var calls int32
	refresher := func(ctx context.Context) (model.RateLimitInfo, error) {
		atomic.AddInt32(&calls, 1)
		return model.NewRateLimitInfo(5000, 4000, clock.now.Add(time.Hour).Unix()), nil
	}
	g := NewGuard(unpaced(), testLogger(), WithClock(clock.Now), WithRefresher(refresher))
	ctx := context.Background()

	t.Run("unknown snapshot triggers one refresh", func(t *testing.T) {
		_, err := g.CheckBeforeCall(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Equal(t, 4000, g.Snapshot().Remaining)
	})

	t.Run("fresh snapshot is not refreshed", func(t *testing.T) {
		clock.Advance(30 * time.Second)
		_, err := g.CheckBeforeCall(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("response metadata keeps the snapshot fresh", func(t *testing.T) {
		clock.Advance(45 * time.Second)
		g.Observe(model.NewRateLimitInfo(5000, 3990, clock.now.Add(time.Hour).Unix()))
		_, err := g.CheckBeforeCall(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("stale snapshot refreshes once per interval", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		for i := 0; i < 3; i++ {
			_, err := g.CheckBeforeCall(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestGuard_RefreshFailureKeepsSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	initial := model.NewRateLimitInfo(5000, 10, clock.now.Add(time.Hour).Unix())
	g := NewGuard(unpaced(), testLogger(), WithClock(clock.Now), WithInitial(initial),
		WithRefresher(func(ctx context.Context) (model.RateLimitInfo, error) {
			return model.RateLimitInfo{}, errors.New("network down")
		}))
	clock.Advance(5 * time.Minute)

	d, err := g.CheckBeforeCall(context.Background())

	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, initial, g.Snapshot())
}

func TestGuard_PacingHonorsContext(t *testing.T) {
	p := DefaultPolicy()
	p.RequestsPerSecond = 0.001
	p.Burst = 1
	g := NewGuard(p, testLogger())

	_, err := g.CheckBeforeCall(context.Background())
	require.NoError(t, err, "the first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.CheckBeforeCall(ctx)
	assert.Error(t, err)
}

func TestRegistry_SharesGuardPerKey(t *testing.T) {
	r := NewRegistry(unpaced(), testLogger(), nil)

	a, existed := r.For("oauth:octocat")
	assert.False(t, existed)
	b, existed := r.For("oauth:octocat")
	assert.True(t, existed)
	c, _ := r.For("app:1")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
