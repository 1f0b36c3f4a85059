// Package retry runs an operation repeatedly with jittered exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drewdunne/labpulse/internal/glerror"
)

// Policy controls how many times and how far apart an operation is retried.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	// BaseDelay is the delay before the first retry; it doubles on each subsequent retry.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter is the randomization factor applied to each delay (0 disables jitter).
	Jitter float64
	// ShouldRetry decides whether err is worth another attempt. Defaults to Retryable.
	ShouldRetry func(err error) bool
	// OnRetry is called before sleeping ahead of attempt number next.
	OnRetry func(next int, err error, wait time.Duration)
}

// DefaultPolicy returns three retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		Retries:   3,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    0.2,
	}
}

// Retryable is the default classifier: only GitLab errors that are marked retryable qualify.
func Retryable(err error) bool {
	ge, ok := glerror.As(err)
	return ok && ge.Retryable()
}

// Do calls fn until it succeeds, returns an error the policy won't retry, or the
// attempts run out. fn receives the zero-based attempt number. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}

	schedule := newSchedule(p)

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt >= p.Retries || !shouldRetry(err) {
			return err
		}

		wait := schedule.NextBackOff()
		if ge, ok := glerror.As(err); ok && ge.RetryAfter > wait {
			wait = ge.RetryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

func newSchedule(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Hour
	}
	b.Reset()
	return b
}
