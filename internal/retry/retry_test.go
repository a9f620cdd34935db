package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("bad request")
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, Policy{Attempts: 10, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	_ = Do(ctx, fast(1), func(got context.Context) error {
		if got.Value(key{}) != "v" {
			t.Error("fn did not receive the caller's context")
		}
		return nil
	})
}

func TestDo_ZeroAttempts(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call with zero attempts, got %d", calls)
	}
}

func TestDo_OnRetryBackoffGrowsAndCaps(t *testing.T) {
	var waits []time.Duration
	var attempts []int
	p := Policy{
		Attempts:  5,
		BaseDelay: 4 * time.Millisecond,
		MaxDelay:  8 * time.Millisecond,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			attempts = append(attempts, attempt)
			waits = append(waits, wait)
		},
	}
	_ = Do(context.Background(), p, func(context.Context) error { return errors.New("fail") })

	if len(waits) != 4 {
		t.Fatalf("expected 4 retries, got %d", len(waits))
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("attempt %d reported as %d", i+1, a)
		}
	}
	// 4ms +-25%, then capped at 8ms +-25%.
	if waits[0] < 3*time.Millisecond || waits[0] > 5*time.Millisecond {
		t.Errorf("first wait out of range: %v", waits[0])
	}
	for _, w := range waits[1:] {
		if w < 6*time.Millisecond || w > 10*time.Millisecond {
			t.Errorf("capped wait out of range: %v", w)
		}
	}
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	pe := Permanent(inner)
	if !errors.Is(pe, inner) {
		t.Fatal("expected errors.Is to find inner error through PermanentError")
	}
	if pe.Error() != "inner" {
		t.Fatalf("expected 'inner', got %q", pe.Error())
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestJittered(t *testing.T) {
	if jittered(0) != 0 {
		t.Error("zero delay should stay zero")
	}
	for i := 0; i < 100; i++ {
		d := jittered(100 * time.Millisecond)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
