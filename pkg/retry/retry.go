// Package retry implements exponential backoff with jitter for transient
// provider failures.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

// Policy configures the backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration
	// OnRetry, when set, is invoked before each sleep with the attempt
	// number (1-based) and the error that triggered the retry.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy matches the provider retry contract: 3 attempts, 1s initial
// delay, doubling, capped at 5s, jitter in [0.5, 1.0) of the delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retriable error, exhausts
// MaxAttempts, or ctx is cancelled. Only errors classified as transient by
// trust.IsTransient are retried; all other errors propagate immediately.
// Cancellation is checked between attempts, so fn itself should also honor ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !trust.IsTransient(err) || attempt >= p.MaxAttempts {
			return err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if err := sleep(ctx, jitter(delay)); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jitter returns a random duration in [0.5, 1.0) of d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
