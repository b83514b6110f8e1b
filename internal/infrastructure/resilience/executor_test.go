package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestLinearBackoffGrowsWithAttemptNumber(t *testing.T) {
	cfg := LinearConfig(4, 100*time.Millisecond).normalize()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := cfg.backoffFor(i + 1); got != w {
			t.Fatalf("backoffFor(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestExponentialBackoffIsCapped(t *testing.T) {
	cfg := Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     250 * time.Millisecond,
		RetryMultiplier:     2,
	}.normalize()
	if got := cfg.backoffFor(1); got != 100*time.Millisecond {
		t.Fatalf("first backoff = %v", got)
	}
	if got := cfg.backoffFor(2); got != 200*time.Millisecond {
		t.Fatalf("second backoff = %v", got)
	}
	if got := cfg.backoffFor(3); got != 250*time.Millisecond {
		t.Fatalf("third backoff = %v, expected cap", got)
	}
}

func TestLinearRetrySucceedsAfterTransientFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		exec := NewExecutor(LinearConfig(3, time.Millisecond))
		calls := 0
		err := exec.Execute(context.Background(), "embed", func(context.Context) error {
			calls++
			if calls <= k {
				return errors.New("transient")
			}
			return nil
		}, func(error) ErrorClassification {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		})
		if err != nil {
			t.Fatalf("k=%d: expected success, got %v", k, err)
		}
		if calls != k+1 {
			t.Fatalf("k=%d: expected %d calls, got %d", k, k+1, calls)
		}
	}
}

func TestLinearRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var retries []int
	cfg := LinearConfig(3, time.Millisecond)
	cfg.OnRetry = func(_ string, attempt int, _ error) {
		retries = append(retries, attempt)
	}
	exec := NewExecutor(cfg)

	calls := 0
	errLast := errors.New("still down")
	err := exec.Execute(context.Background(), "embed", func(context.Context) error {
		calls++
		return errLast
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errLast) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("unexpected retry hooks: %v", retries)
	}
}

func TestExecuteStopsRetryingOnContextCancel(t *testing.T) {
	exec := NewExecutor(LinearConfig(5, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(ctx, "embed", func(context.Context) error {
			calls++
			return errors.New("down")
		}, func(error) ErrorClassification {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("executor kept waiting after context cancel")
	}
	if calls != 1 {
		t.Fatalf("expected a single call before cancel, got %d", calls)
	}
}

func TestExecuteReturnsContextErrorWhenCancelledBeforeFirstAttempt(t *testing.T) {
	exec := NewExecutor(LinearConfig(3, time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := exec.Execute(ctx, "embed", func(context.Context) error {
		calls++
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempt, got %d", calls)
	}
}

func TestExecuteReturnsLastAttemptErrorWhenCancelledDuringBackoff(t *testing.T) {
	exec := NewExecutor(LinearConfig(3, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	errDown := errors.New("down")
	err := exec.Execute(ctx, "embed", func(context.Context) error {
		cancel()
		return errDown
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("expected the attempt error, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("expected the context error to be dropped, got %v", err)
	}
}
