package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source for every suspension point in the pipeline
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock
type Real struct{}

// Now returns the current time
func (Real) Now() time.Time { return time.Now() }

// Sleep waits for d, returning ctx.Err() if the context ends first
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manual clock for tests. Sleep advances the clock instantly.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake creates a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep records d and moves the clock forward by it
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps = append(f.sleeps, d)
	return nil
}

// Advance moves the clock forward without recording a sleep
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps returns every duration passed to Sleep so far
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
