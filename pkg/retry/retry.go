// Package retry retries operations with capped exponential backoff. Storage
// adapters use it to ride out transient backend failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MARKERS
// ══════════════════════════════════════════════════════════════════════════════

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent marks err as final. Do returns the unwrapped error at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err carries the Retryable marker.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy describes how an operation is retried. Zero fields take defaults.
type Policy struct {
	// Attempts is the total number of calls, the first included. Default: 3
	Attempts int

	// Base is the delay before the first retry; it doubles on every retry.
	// Default: 100ms
	Base time.Duration

	// Max caps the delay. Default: 5s
	Max time.Duration

	// Jitter randomises each delay by up to this fraction, 0 to 1.
	Jitter float64

	// RetryIf decides which errors are retried. Nil retries only errors
	// marked Retryable.
	RetryIf func(error) bool

	// WaitHint lets an error dictate the next delay, such as a server's
	// retry-after. Non-positive hints fall back to the computed delay.
	WaitHint func(error) time.Duration

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Storage is the policy used around snapshot stores: three attempts, 50ms
// doubling up to 2s, 10% jitter.
func Storage() Policy {
	return Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.1}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// Delay returns the wait before retry number n, starting at 1.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 1; i < n && d < p.Max; i++ {
		d *= 2
	}
	d = min(d, p.Max)
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

func (p Policy) shouldRetry(err error) bool {
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return IsRetryable(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// Do calls op until it succeeds, returns an error the policy does not retry,
// runs out of attempts or ctx is done.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !p.shouldRetry(err) {
			return err
		}
		if attempt >= p.Attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.WaitHint != nil {
			if hint := p.WaitHint(err); hint > 0 {
				delay = hint
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, err)
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
