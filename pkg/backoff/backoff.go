// Package backoff provides the retry policy shared by the command executor
// and the sync service. The policy is an explicit value and the clock is an
// interface, so retry behavior is deterministic under test.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is cancelled, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall-clock implementation.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy describes bounded exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the attempt ceiling, including the first attempt.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// JitterFraction adds up to this fraction of the delay as random
	// jitter (0.25 means up to +25%).
	JitterFraction float64
}

// DefaultPolicy matches the executor's stock retry behavior.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      1 * time.Second,
		MaxDelay:       1 * time.Minute,
		JitterFraction: 0.25,
	}
}

// Delay returns the backoff delay before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay, plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * p.JitterFraction * float64(d))
	}
	return d
}

// Jitter returns a uniformly random delay in [0, max). It spreads scheduled
// work across many independent hosts so they do not hit a shared remote at
// the same instant.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
