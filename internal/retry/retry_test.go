package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// TestDoSucceedsFirstAttempt tests that success stops the loop immediately
func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestDoRetriesTransientErrors tests the full budget is used for retryable errors
func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() failed after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoReturnsLastErrorWhenExhausted tests exhaustion surfaces the final error
func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if !errors.Is(err, errBoom) {
		t.Errorf("Do() error = %v, want %v", err, errBoom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoStopsOnTerminalError tests that a non-retryable error short-circuits
func TestDoStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, func(err error) bool {
		return !errors.Is(err, terminal)
	}, func(ctx context.Context) error {
		calls++
		return terminal
	})

	if !errors.Is(err, terminal) {
		t.Errorf("Do() error = %v, want %v", err, terminal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestDoHonorsDelay tests that the configured delay separates attempts
func TestDoHonorsDelay(t *testing.T) {
	const delay = 20 * time.Millisecond
	calls := 0
	start := time.Now()

	_ = Do(context.Background(), Policy{Attempts: 3, Delay: delay}, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return errBoom
	})

	elapsed := time.Since(start)
	if want := 2 * delay; elapsed < want {
		t.Errorf("elapsed = %v, want at least %v (two inter-attempt delays)", elapsed, want)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoContextCancelDuringWait tests cancellation interrupts the sleep
func TestDoContextCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, Policy{Attempts: 10, Delay: time.Second}, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during first wait)", calls)
	}
}

// TestDoZeroAttempts tests that a zero budget still runs once
func TestDoZeroAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, nil, func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if !errors.Is(err, errBoom) {
		t.Errorf("Do() error = %v, want %v", err, errBoom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
