// Package backoff computes capped exponential delays for the agent's
// retry loops: integration connects, stream reconnects, key re-requests
// for undecryptable events, and calls to flaky generator endpoints.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve. The delay before the
// attempt-th retry is Initial * Factor^(attempt-1) plus jitter, capped
// at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Factor multiplies the delay on each successive attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay at random.
	Jitter float64
}

// Default suits transient network failures: 100ms doubling to 30s with
// 10% jitter.
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the delay before the attempt-th retry. Attempts start
// at 1; earlier values are treated as the first.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	d := time.Duration(base + base*p.Jitter*random)
	if d > p.Max {
		return p.Max
	}
	return d
}

// NextAfter returns when the attempt-th retry becomes due given the
// time of the previous attempt. Jitter is ignored so callers can poll
// for due work without storing scheduled times.
func (p Policy) NextAfter(last time.Time, attempt int) time.Time {
	return last.Add(p.delay(attempt, 0))
}

// Sleep blocks for the attempt-th retry delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
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

// Permanent marks an error as not worth retrying; Retry returns the
// wrapped error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Retry runs fn up to maxAttempts times, sleeping the policy's delay
// between attempts. It stops early on success, a Permanent error, or
// context cancellation, and otherwise returns the last error.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}
