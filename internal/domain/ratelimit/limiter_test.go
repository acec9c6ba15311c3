package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestThrottleUnderLimit(t *testing.T) {
	s := NewSlidingWindow(Config{MaxRequests: 5, Window: time.Second})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.Throttle(ctx, "acct-1"); err != nil {
			t.Fatalf("Throttle %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("under-limit calls blocked for %v", elapsed)
	}
}

func TestThrottleBlocksAtLimit(t *testing.T) {
	s := NewSlidingWindow(Config{MaxRequests: 2, Window: 80 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Throttle(ctx, "acct-1"); err != nil {
			t.Fatalf("Throttle %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := s.Throttle(ctx, "acct-1"); err != nil {
		t.Fatalf("Throttle over limit: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("over-limit call returned after %v, expected to wait for the window", elapsed)
	}
}

func TestThrottleIsPerAccount(t *testing.T) {
	s := NewSlidingWindow(Config{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	if err := s.Throttle(ctx, "acct-1"); err != nil {
		t.Fatalf("acct-1: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Throttle(ctx, "acct-2") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acct-2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acct-2 blocked on acct-1's window")
	}
}

func TestThrottleHonorsCancellation(t *testing.T) {
	s := NewSlidingWindow(Config{MaxRequests: 1, Window: time.Minute})
	if err := s.Throttle(context.Background(), "acct-1"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Throttle(ctx, "acct-1")
	if err == nil {
		t.Fatal("expected cancellation error while waiting on a full window")
	}
}

func TestCleanupDropsIdleWindows(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewSlidingWindow(Config{MaxRequests: 10, Window: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.StartCleanup(ctx, 10*time.Millisecond)

	if err := s.Throttle(ctx, "acct-1"); err != nil {
		t.Fatalf("Throttle: %v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", s.Size())
	}

	deadline := time.Now().Add(time.Second)
	for s.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Size() != 0 {
		t.Errorf("idle window never cleaned up, Size() = %d", s.Size())
	}

	cancel()
	s.Stop()
}
