package resilience

import (
	"context"
	"time"
)

// Sleeper blocks for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the wall-clock Sleeper.
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

// RetryPolicy is a bounded, fixed-delay retry budget.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// Delay is the pause before every retry
	Delay time.Duration
	// Retriable decides whether an error consumes budget or is returned as is.
	// A nil Retriable retries nothing.
	Retriable func(error) bool
	// OnRetry is called before each pause with the retry number (1-based)
	OnRetry func(retry int, err error)
	// Sleep defaults to SleepContext
	Sleep Sleeper
}

// Do runs fn until it succeeds, fails with a non-retriable error, or the
// budget is spent. The error of the final attempt is returned; callers tell
// exhaustion apart by asking Retriable about it.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	retry := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retriable == nil || !p.Retriable(err) || retry >= p.MaxRetries {
			return err
		}
		retry++
		if p.OnRetry != nil {
			p.OnRetry(retry, err)
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return serr
		}
	}
}
