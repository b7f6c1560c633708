package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClosedStateAllowsCalls(t *testing.T) {
	b := New(Config{MaxFailures: 3}).WithSleep(func(time.Duration) {})
	calls := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.State() != Closed {
		t.Fatalf("State = %v, want Closed", b.State())
	}
}

func TestTripsOpenAfterMaxFailures(t *testing.T) {
	b := New(Config{MaxFailures: 2, Retries: 0}).WithSleep(func(time.Duration) {})
	failing := func(ctx context.Context) error { return errors.New("boom") }

	b.Call(context.Background(), failing)
	if b.State() != Closed {
		t.Fatalf("State after 1 failure = %v, want Closed", b.State())
	}
	b.Call(context.Background(), failing)
	if b.State() != Open {
		t.Fatalf("State after 2 failures = %v, want Open", b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatalf("op should not be invoked while circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New(Config{MaxFailures: 1, ResetSeconds: 100 * time.Millisecond}).
		WithClock(clock).WithSleep(func(time.Duration) {})

	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatalf("State = %v, want Open", b.State())
	}

	now = now.Add(200 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("State after reset window = %v, want HalfOpen", b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("State after successful trial = %v, want Closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New(Config{MaxFailures: 1, ResetSeconds: 100 * time.Millisecond}).
		WithClock(clock).WithSleep(func(time.Duration) {})

	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	now = now.Add(200 * time.Millisecond)

	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	if b.State() != Open {
		t.Fatalf("State after failed trial = %v, want Open", b.State())
	}
}

func TestRetriesBeforeFailing(t *testing.T) {
	b := New(Config{MaxFailures: 5, Retries: 2, BaseBackoffMs: time.Millisecond}).
		WithSleep(func(time.Duration) {})

	attempts := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}
