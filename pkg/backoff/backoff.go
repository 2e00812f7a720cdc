// Package backoff retries failing operations with randomized exponential
// delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const defaultMinWait = 10 * time.Millisecond

// Config controls Retry. The zero value retries forever starting at 10ms
// with no upper bound on the wait.
type Config struct {
	// Report sees every failed attempt. Returning a non-nil error stops
	// the loop with that error.
	Report func(attempt int, err error) error
	// MinWait is the first delay. Each delay is at least as long as the
	// attempt that preceded it.
	MinWait time.Duration
	MaxWait time.Duration
	// MaxAttempts bounds the number of calls to try; 0 means unbounded.
	MaxAttempts int
}

// Retry calls try until it succeeds, ctx is done, Report aborts or the
// attempts run out. On exhaustion the last error is returned.
func (c Config) Retry(ctx context.Context, try func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := c.MinWait
	if wait <= 0 {
		wait = defaultMinWait
	}

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := try(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.Report != nil {
			if stop := c.Report(attempt, err); stop != nil {
				return stop
			}
		}
		if c.MaxAttempts > 0 && attempt >= c.MaxAttempts {
			return err
		}

		wait = c.next(wait, time.Since(started))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (c Config) next(wait, elapsed time.Duration) time.Duration {
	if wait < elapsed {
		wait = elapsed
	}
	wait += rand.N(wait)
	if c.MaxWait > 0 && wait > c.MaxWait {
		wait = c.MaxWait
	}
	return wait
}
