package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Exponential: true})

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errTransient)
	}, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want wrapping errTransient", err)
	}
	if err.Error() != "attempt 3: transient" {
		t.Errorf("err = %q, want last error", err.Error())
	}
}

func TestDo_NonRetryableErrors(t *testing.T) {
	for _, sentinel := range []error{ErrNotSupported, ErrInvalidParameter, ErrEntityUnavailable} {
		calls := 0
		err := Do(context.Background(), func(ctx context.Context) error {
			calls++
			return fmt.Errorf("call service: %w", sentinel)
		}, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})

		if calls != 1 {
			t.Errorf("%v: calls = %d, want 1", sentinel, calls)
		}
		if !errors.Is(err, sentinel) {
			t.Errorf("err = %v, want %v", err, sentinel)
		}
	}
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errTransient)
	}, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want errTransient", err)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var attempts []int
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	}, Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Millisecond,
		ShouldRetry: func(err error, attempt int) bool {
			attempts = append(attempts, attempt)
			return attempt < 2
		},
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return errTransient
	}, Policy{MaxAttempts: 5, BaseDelay: time.Hour})

	if time.Since(start) > time.Second {
		t.Error("Do did not return promptly after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want errTransient", err)
	}
}

func TestDo_AttemptTimeoutRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		attemptCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		defer cancel()
		<-attemptCtx.Done()
		return attemptCtx.Err()
	}, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDo_ParentDeadlineStops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	retries := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(error, int, time.Duration) { retries++ },
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0", retries)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errTransient, true},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("refresh: %w", context.DeadlineExceeded), true},
		{context.Canceled, false},
		{ErrNotSupported, false},
		{Permanent(errTransient), false},
	}
	for _, tt := range tests {
		if got := DefaultShouldRetry(tt.err, 1); got != tt.want {
			t.Errorf("DefaultShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDo_OnRetry(t *testing.T) {
	var delays []time.Duration
	Do(context.Background(), func(ctx context.Context) error {
		return errTransient
	}, Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Exponential: true,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			delays = append(delays, delay)
		},
	})

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("len(delays) = %d, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Exponential: true, MaxDelay: 30 * time.Second}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	flat := Policy{BaseDelay: 500 * time.Millisecond}
	if got := flat.Delay(5); got != 500*time.Millisecond {
		t.Errorf("flat Delay(5) = %v, want 500ms", got)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	}, Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	if err != nil {
		t.Fatalf("DoValue failed: %v", err)
	}
	if v != "ok" {
		t.Errorf("v = %q, want %q", v, "ok")
	}
}
