// Package ratelimit implements the per-account sliding-window limiter used
// by the router before each outbound provider call.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config bounds request volume per account.
type Config struct {
	// MaxRequests is the maximum calls allowed inside one window.
	MaxRequests int
	// Window is the sliding window length.
	Window time.Duration
}

// Informational presets for known providers.
var (
	// PresetPerSecond allows 250 requests per second.
	PresetPerSecond = Config{MaxRequests: 250, Window: time.Second}
	// PresetPerMinute allows 60 requests per minute.
	PresetPerMinute = Config{MaxRequests: 60, Window: time.Minute}
)

// SlidingWindow is a thread-safe per-key sliding-window counter.
// Throttle suspends the caller until the oldest timestamp in the window
// ages out, then records its own timestamp.
type SlidingWindow struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	cfg     Config

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewSlidingWindow creates a limiter with the given config.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &SlidingWindow{
		windows: make(map[string][]time.Time),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
}

// Throttle blocks until the account is under its limit, then records the
// call. Returns early with ctx.Err() on cancellation.
func (s *SlidingWindow) Throttle(ctx context.Context, accountID string) error {
	for {
		wait := s.tryAcquire(accountID)
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tryAcquire records a timestamp if under the limit, or returns how long
// to wait for the oldest in-window timestamp to age out.
func (s *SlidingWindow) tryAcquire(accountID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cfg.Window)

	w := s.windows[accountID]
	// Drop aged-out timestamps.
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	w = w[i:]

	if len(w) < s.cfg.MaxRequests {
		s.windows[accountID] = append(w, now)
		return 0
	}
	s.windows[accountID] = w
	return w[0].Sub(cutoff)
}

// StartCleanup launches a background goroutine that drops idle account
// windows. Stops when ctx is cancelled or Stop is called.
func (s *SlidingWindow) StartCleanup(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes account windows with no in-window timestamps.
func (s *SlidingWindow) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.Window)
	for key, w := range s.windows {
		if len(w) == 0 || !w[len(w)-1].After(cutoff) {
			delete(s.windows, key)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (s *SlidingWindow) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Size returns the number of tracked accounts. Useful for tests.
func (s *SlidingWindow) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
