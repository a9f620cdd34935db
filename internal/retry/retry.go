// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, fails permanently, or the context ends.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total calls including the first; <= 0 means 1
	BaseDelay time.Duration // first backoff, doubled each retry
	MaxDelay  time.Duration // cap on a single backoff; 0 means uncapped

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Startup is used for dependencies that may still be booting, such as the
// database the server connects to.
var Startup = Policy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Request is used for idempotent API reads.
var Request = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn until it returns nil or a *PermanentError, the attempts run
// out, or ctx is done. The last error is returned; a permanent error is
// returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts {
			break
		}

		wait := jittered(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// jittered spreads d by +-25%.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
