package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_DelayHintOverridesBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second}

	if got := p.Delay(1, 3*time.Second); got != 3*time.Second {
		t.Errorf("hint should win, got %v", got)
	}
}

func TestPolicy_DelayHintCappedAtMax(t *testing.T) {
	p := Policy{MaxBackoff: 5 * time.Second}

	if got := p.Delay(1, time.Minute); got != 5*time.Second {
		t.Errorf("hint should be capped at max backoff, got %v", got)
	}
}

func TestPolicy_DelayGrowsWithAttempts(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, JitterFactor: 0.0001}

	first := p.Delay(1, 0)
	third := p.Delay(3, 0)
	if third <= first {
		t.Errorf("backoff should grow: attempt 1 = %v, attempt 3 = %v", first, third)
	}
}

func TestPolicy_DelayNeverExceedsMax(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 2 * time.Second}

	for attempt := 1; attempt <= 10; attempt++ {
		if got := p.Delay(attempt, 0); got > 2*time.Second {
			t.Fatalf("attempt %d exceeded max backoff: %v", attempt, got)
		}
	}
}

func TestDo_SucceedsWithinBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	wantErr := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3}, func() error {
		calls++
		return errors.New("x")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("cancelled context should prevent attempts, got %d", calls)
	}
}

func TestSleep_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep should return promptly on cancellation")
	}
}

func TestSleep_ZeroDuration(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep should be a no-op, got %v", err)
	}
}
