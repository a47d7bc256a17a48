package ratelimit

import (
	"context"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/sirupsen/logrus"
)

// Budget is the quota allowance reported by the API on every response
type Budget struct {
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Known reports whether the API has reported a budget at all
func (b Budget) Known() bool {
	return !b.ResetAt.IsZero() || b.Remaining > 0 || b.Cost > 0
}

// Options configures a Limiter
type Options struct {
	MaxPerSecond      int
	WindowBuffer      time.Duration
	QuotaThreshold    int
	QuotaSafetyMargin time.Duration
	QuotaMinWait      time.Duration
}

const window = time.Second

// Limiter enforces two independent rules before each request:
// at most MaxPerSecond dispatches in any trailing one-second window, and
// a pause until the quota resets once the reported remaining budget drops below QuotaThreshold.
type Limiter struct {
	opts   Options
	clock  clock.Clock
	logger logrus.FieldLogger
	// Dispatch times inside the trailing window, oldest first
	stamps []time.Time
}

// NewLimiter creates a new limiter
func NewLimiter(opts Options, clk clock.Clock, logger logrus.FieldLogger) *Limiter {
	if opts.MaxPerSecond < 1 {
		opts.MaxPerSecond = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{
		opts:   opts,
		clock:  clk,
		logger: logger,
		stamps: make([]time.Time, 0, opts.MaxPerSecond),
	}
}

// Gate blocks until one more request may be dispatched and records the dispatch.
// The only error is ctx.Err() when the wait is interrupted.
func (l *Limiter) Gate(ctx context.Context) error {
	now := l.clock.Now()
	l.prune(now)

	if len(l.stamps) >= l.opts.MaxPerSecond {
		wait := l.stamps[0].Add(window).Add(l.opts.WindowBuffer).Sub(now)
		l.logger.WithField("wait", wait).Debug("Request window full, pausing")
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		now = l.clock.Now()
		l.prune(now)
	}

	l.stamps = append(l.stamps, now)
	return nil
}

// QuotaWait returns how long to pause for the given budget, zero if no pause is needed
func (l *Limiter) QuotaWait(budget Budget) time.Duration {
	if !budget.Known() || budget.Remaining >= l.opts.QuotaThreshold {
		return 0
	}
	return l.exhaustedWait(budget)
}

// CheckQuota pauses until the quota resets when the remaining budget is below the threshold.
// It returns the pause taken, zero when the budget allowed the request straight away.
func (l *Limiter) CheckQuota(ctx context.Context, budget Budget) (time.Duration, error) {
	wait := l.QuotaWait(budget)
	if wait <= 0 {
		return 0, nil
	}
	return l.sleepForQuota(ctx, budget, wait)
}

// WaitForReset pauses unconditionally until the quota resets, used when the API rejects a request for quota.
// It returns the pause taken.
func (l *Limiter) WaitForReset(ctx context.Context, budget Budget) (time.Duration, error) {
	return l.sleepForQuota(ctx, budget, l.exhaustedWait(budget))
}

func (l *Limiter) exhaustedWait(budget Budget) time.Duration {
	wait := l.opts.QuotaMinWait
	if !budget.ResetAt.IsZero() {
		if untilReset := budget.ResetAt.Sub(l.clock.Now()) + l.opts.QuotaSafetyMargin; untilReset > wait {
			wait = untilReset
		}
	}
	return wait
}

func (l *Limiter) sleepForQuota(ctx context.Context, budget Budget, wait time.Duration) (time.Duration, error) {
	l.logger.WithFields(logrus.Fields{
		"remaining": budget.Remaining,
		"threshold": l.opts.QuotaThreshold,
		"reset_at":  budget.ResetAt.Format(time.RFC3339),
		"wait":      wait.Round(time.Millisecond),
	}).Warn("Quota below threshold, waiting for reset")
	start := l.clock.Now()
	err := l.clock.Sleep(ctx, wait)
	return l.clock.Now().Sub(start), err
}

// InWindow returns the number of dispatches inside the trailing window
func (l *Limiter) InWindow() int {
	l.prune(l.clock.Now())
	return len(l.stamps)
}

// prune drops timestamps that have left the trailing window
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
