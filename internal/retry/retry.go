package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy runs an operation up to MaxAttempts times, waiting BaseDelay
// doubled after each failure. Errors marked with Permanent end the loop
// at once.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Sleep defaults to SleepContext. Tests inject a recorder.
	Sleep SleepFunc
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, wait time.Duration, err error)
	// DelayFor, when set, picks the wait for a given failure. Returning a
	// negative duration falls back to Delay.
	DelayFor func(attempt int, err error) time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * (1 << uint(attempt-1))
}

// Do calls fn until it succeeds, fails permanently, attempts run out or
// ctx is cancelled. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == limit {
			break
		}

		wait := p.Delay(attempt)
		if p.DelayFor != nil {
			if d := p.DelayFor(attempt, err); d >= 0 {
				wait = d
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
