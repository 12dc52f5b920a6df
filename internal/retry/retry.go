// Package retry provides exponential backoff with jitter, both for in-process
// retries (Do) and for scheduling the next attempt of a persisted record
// (Policy.NextAttempt).
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds how often and how fast a persisted record is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter disables the +-25% spread when false; tests use that for
	// deterministic schedules.
	Jitter bool
}

// DefaultPolicy is used when configuration does not override it.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: 6 * time.Hour, Jitter: true}

// Backoff returns the delay before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay = jitter(delay)
	}
	return delay
}

// Exhausted reports whether attempts has reached the cutoff.
func (p Policy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempts >= max
}

// NextAttempt returns when a record that has failed attempts times should be
// tried again, or nil once the policy is exhausted.
func (p Policy) NextAttempt(now time.Time, attempts int) *time.Time {
	if p.Exhausted(attempts) {
		return nil
	}
	t := now.Add(p.Backoff(attempts))
	return &t
}

func jitter(d time.Duration) time.Duration {
	j := d / 4
	return d - j + time.Duration(cryptoInt64n(int64(2*j+1)))
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
	}

	return err
}
