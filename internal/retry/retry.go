// Package retry provides a small bounded-retry combinator.
//
// Callers describe the budget as a Policy and classify errors through a
// predicate; anything the predicate rejects stops the loop immediately. The
// combinator never inspects errors itself, so terminal-versus-transient
// policy stays with the caller.
package retry

import (
	"context"
	"time"
)

// Policy bounds one retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Delay is the fixed wait between consecutive attempts.
	Delay time.Duration
}

// Do runs fn up to p.Attempts times, waiting p.Delay between attempts.
//
// An error for which retryable returns false is returned immediately without
// consuming further attempts. After the budget is exhausted the last error is
// returned. Waits respect ctx; cancellation during a wait returns ctx.Err().
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}

	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
