package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy computes the wait before a reconnection attempt.
type Policy interface {
	// NextDelay returns the delay before the given attempt (0-based).
	NextDelay(attempt int) time.Duration
	// MaxAttempts returns the attempt ceiling. A value <= 0 means unbounded.
	MaxAttempts() int
}

// Exponential implements bounded exponential backoff with optional jitter.
type Exponential struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponential creates an exponential backoff policy with jitter enabled.
func NewExponential(initial, max time.Duration, multiplier float64, maxAttempts int) *Exponential {
	return &Exponential{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// NextDelay implements Policy. Without jitter the sequence is
// non-decreasing and capped at MaxInterval; jitter perturbs each value by
// at most ±15%.
func (e *Exponential) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// MaxAttempts implements Policy.
func (e *Exponential) MaxAttempts() int {
	return e.Attempts
}

// Fixed implements a constant-delay policy.
type Fixed struct {
	Delay    time.Duration
	Attempts int
}

// NewFixed creates a fixed delay policy.
func NewFixed(delay time.Duration, maxAttempts int) *Fixed {
	return &Fixed{Delay: delay, Attempts: maxAttempts}
}

// NextDelay implements Policy.
func (f *Fixed) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// MaxAttempts implements Policy.
func (f *Fixed) MaxAttempts() int {
	return f.Attempts
}

// Sleep waits for d or until the context is cancelled, whichever comes
// first. It returns the context error on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
