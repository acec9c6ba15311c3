package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

// fastPolicy keeps test sleeps negligible.
func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	if err != nil || attempts != 1 {
		t.Errorf("attempts = %d, err = %v; want 1, nil", attempts, err)
	}
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return trust.Transient("call", 503, errors.New("unavailable"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	attempts := 0
	wantErr := trust.Transient("call", 500, errors.New("still down"))
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the last transient error", err)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return trust.Permanent("call", 400, errors.New("bad request"))
	})
	if attempts != 1 {
		t.Errorf("permanent error retried: attempts = %d", attempts)
	}
	if trust.KindOf(err) != trust.KindProvider {
		t.Errorf("err kind = %v", trust.KindOf(err))
	}
}

func TestPlainErrorNotRetried(t *testing.T) {
	attempts := 0
	wantErr := errors.New("plain failure")
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if attempts != 1 || !errors.Is(err, wantErr) {
		t.Errorf("attempts = %d, err = %v", attempts, err)
	}
}

func TestCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, Multiplier: 2}
	err := Do(ctx, p, func(ctx context.Context) error {
		attempts++
		cancel()
		return trust.Transient("call", 503, errors.New("unavailable"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts after cancel = %d, want 1", attempts)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var notified []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error) { notified = append(notified, attempt) }
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		return trust.Transient("call", 429, errors.New("rate limited"))
	})
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", notified)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jitter(d)
		if j < d/2 || j >= d {
			t.Fatalf("jitter(%v) = %v, want in [%v, %v)", d, j, d/2, d)
		}
	}
	if jitter(0) != 0 {
		t.Error("jitter(0) should be 0")
	}
}
