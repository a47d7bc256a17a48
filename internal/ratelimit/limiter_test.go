package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(opts Options) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return NewLimiter(opts, clk, nil), clk
}

func TestGate_NeverExceedsMaxInTrailingWindow(t *testing.T) {
	for _, max := range []int{1, 2, 5} {
		l, clk := newTestLimiter(Options{MaxPerSecond: max, WindowBuffer: 50 * time.Millisecond})

		var dispatched []time.Time
		for i := 0; i < 40; i++ {
			require.NoError(t, l.Gate(context.Background()))
			dispatched = append(dispatched, clk.Now())
			// simulated request latency
			clk.Advance(30 * time.Millisecond)
		}

		for i := range dispatched {
			count := 0
			for j := i; j < len(dispatched); j++ {
				if dispatched[j].Sub(dispatched[i]) < time.Second {
					count++
				}
			}
			assert.LessOrEqual(t, count, max, "window starting at dispatch %d (max=%d)", i, max)
		}
	}
}

func TestGate_NoWaitBelowLimit(t *testing.T) {
	l, clk := newTestLimiter(Options{MaxPerSecond: 3, WindowBuffer: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Gate(context.Background()))
	}
	assert.Equal(t, epoch, clk.Now())
	assert.Equal(t, 3, l.InWindow())

	require.NoError(t, l.Gate(context.Background()))
	assert.Equal(t, epoch.Add(time.Second+50*time.Millisecond), clk.Now())
}

func TestGate_WindowSlides(t *testing.T) {
	l, clk := newTestLimiter(Options{MaxPerSecond: 2})

	require.NoError(t, l.Gate(context.Background()))
	require.NoError(t, l.Gate(context.Background()))
	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, 0, l.InWindow())

	require.NoError(t, l.Gate(context.Background()))
	assert.Empty(t, clk.Sleeps())
}

func TestGate_Cancelled(t *testing.T) {
	l, _ := newTestLimiter(Options{MaxPerSecond: 1})
	require.NoError(t, l.Gate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Gate(ctx), context.Canceled)
}

func TestCheckQuota(t *testing.T) {
	opts := Options{
		MaxPerSecond:      2,
		QuotaThreshold:    10,
		QuotaSafetyMargin: 5 * time.Second,
		QuotaMinWait:      2 * time.Second,
	}

	tests := []struct {
		name     string
		budget   Budget
		wantWait time.Duration
	}{
		{name: "unknown budget", budget: Budget{}, wantWait: 0},
		{name: "above threshold", budget: Budget{Remaining: 500, ResetAt: epoch.Add(time.Minute)}, wantWait: 0},
		{name: "at threshold", budget: Budget{Remaining: 10, ResetAt: epoch.Add(time.Minute)}, wantWait: 0},
		{name: "below threshold waits past reset", budget: Budget{Remaining: 3, ResetAt: epoch.Add(30 * time.Second)}, wantWait: 35 * time.Second},
		{name: "reset already passed uses minimum", budget: Budget{Remaining: 0, Cost: 1, ResetAt: epoch.Add(-time.Minute)}, wantWait: 2 * time.Second},
		{name: "no reset time uses minimum", budget: Budget{Remaining: 0, Cost: 1}, wantWait: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clk := newTestLimiter(opts)
			assert.Equal(t, tt.wantWait, l.QuotaWait(tt.budget))

			waited, err := l.CheckQuota(context.Background(), tt.budget)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWait, waited)
			assert.Equal(t, epoch.Add(tt.wantWait), clk.Now())
		})
	}
}

func TestCheckQuota_NextDispatchAfterReset(t *testing.T) {
	l, clk := newTestLimiter(Options{
		MaxPerSecond:      5,
		QuotaThreshold:    50,
		QuotaSafetyMargin: time.Second,
		QuotaMinWait:      time.Second,
	})
	reset := epoch.Add(90 * time.Second)

	require.NoError(t, l.Gate(context.Background()))
	_, err := l.CheckQuota(context.Background(), Budget{Cost: 1, Remaining: 12, ResetAt: reset})
	require.NoError(t, err)
	require.NoError(t, l.Gate(context.Background()))

	assert.False(t, clk.Now().Before(reset.Add(time.Second)))
}

func TestWaitForReset_IgnoresThreshold(t *testing.T) {
	l, clk := newTestLimiter(Options{MaxPerSecond: 1, QuotaThreshold: 0, QuotaMinWait: 3 * time.Second})

	waited, err := l.WaitForReset(context.Background(), Budget{})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, waited)
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())
}

func TestCheckQuota_NoPauseWithRealClock(t *testing.T) {
	l := NewLimiter(Options{MaxPerSecond: 5, QuotaThreshold: 10}, clock.Real{}, nil)

	waited, err := l.CheckQuota(context.Background(), Budget{Cost: 1, Remaining: 5000, ResetAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Zero(t, waited)
}
