package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/alvmarrod/wiki-harvester/internal/fetcher"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Class is how a failed attempt is handled
type Class int

const (
	// ClassTransient is retried on the same cursor and counted toward the threshold
	ClassTransient Class = iota
	// ClassMalformed is transient unless it repeats on the very next attempt
	ClassMalformed
	// ClassQuota is a scheduling signal, waited out and never counted
	ClassQuota
	// ClassFatal aborts the run
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassMalformed:
		return "malformed"
	case ClassQuota:
		return "quota"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// FatalError aborts the ingestion loop
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is or wraps a FatalError
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Classify maps an attempt error onto a handling class
func Classify(err error) Class {
	if IsFatal(err) {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	kind, ok := fetcher.KindOf(err)
	if !ok {
		return ClassTransient
	}
	switch kind {
	case fetcher.KindQuotaExhausted:
		return ClassQuota
	case fetcher.KindMalformed:
		return ClassMalformed
	case fetcher.KindRejected:
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Options configures a Policy
type Options struct {
	// Threshold failures inside Window escalate to fatal
	Threshold      int
	Window         time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Decision is the outcome of one failed attempt
type Decision struct {
	Class Class
	// Delay before retrying the same cursor; zero for quota and fatal outcomes
	Delay time.Duration
	// Recent is the number of counted failures inside the window, this one included
	Recent int
}

// Policy decides whether a failed batch is retried and after how long.
// It is not safe for concurrent use; the driver loop is its only caller.
type Policy struct {
	opts          Options
	clock         clock.Clock
	logger        logrus.FieldLogger
	backoff       *backoff.ExponentialBackOff
	failures      []time.Time
	lastMalformed bool
}

// NewPolicy creates a policy with an empty failure window
func NewPolicy(opts Options, clk clock.Clock, logger logrus.FieldLogger) *Policy {
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = opts.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Policy{
		opts:    opts,
		clock:   clk,
		logger:  logger,
		backoff: b,
	}
}

// OnFailure records a failed attempt. The returned error is a *FatalError when the
// attempt must not be retried.
func (p *Policy) OnFailure(err error) (Decision, error) {
	class := Classify(err)
	switch class {
	case ClassQuota:
		return Decision{Class: class, Recent: p.Recent()}, nil
	case ClassFatal:
		if IsFatal(err) {
			return Decision{Class: class, Recent: p.Recent()}, err
		}
		return Decision{Class: class, Recent: p.Recent()}, &FatalError{Reason: "unrecoverable request error", Err: err}
	case ClassMalformed:
		if p.lastMalformed {
			return Decision{Class: ClassFatal, Recent: p.Recent()}, &FatalError{Reason: "malformed response repeated on retry", Err: err}
		}
		p.lastMalformed = true
	default:
		p.lastMalformed = false
	}

	now := p.clock.Now()
	p.prune(now)
	p.failures = append(p.failures, now)
	recent := len(p.failures)

	if recent >= p.opts.Threshold {
		return Decision{Class: ClassFatal, Recent: recent}, &FatalError{
			Reason: fmt.Sprintf("%d errors within %s", recent, p.opts.Window),
			Err:    err,
		}
	}

	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.opts.MaxBackoff
	}

	p.logger.WithFields(logrus.Fields{
		"class":  class.String(),
		"recent": recent,
		"wait":   delay,
	}).Warnf("Batch failed, retrying: %v", err)

	return Decision{Class: class, Delay: delay, Recent: recent}, nil
}

// OnSuccess resets the backoff sequence and the malformed streak.
// Counted failures stay in the window until they age out.
func (p *Policy) OnSuccess() {
	p.lastMalformed = false
	p.backoff.Reset()
}

// Wait sleeps for a retry delay
func (p *Policy) Wait(ctx context.Context, d time.Duration) error {
	return p.clock.Sleep(ctx, d)
}

// Recent returns the number of counted failures still inside the window
func (p *Policy) Recent() int {
	p.prune(p.clock.Now())
	return len(p.failures)
}

func (p *Policy) prune(now time.Time) {
	i := 0
	for i < len(p.failures) && now.Sub(p.failures[i]) >= p.opts.Window {
		i++
	}
	if i > 0 {
		p.failures = append(p.failures[:0], p.failures[i:]...)
	}
}
