package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, cfg RateLimitConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1})

	if rl.config.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.config.MaxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.config.IdleTimeout != DefaultRateLimitIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", rl.config.IdleTimeout, DefaultRateLimitIdleTimeout)
	}
	if rl.config.Burst != 1 {
		t.Errorf("Burst = %d, want 1", rl.config.Burst)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("ip-1") {
			t.Fatalf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("ip-1") {
		t.Error("Allow() should return false after the burst is spent")
	}
	if !rl.Allow("ip-2") {
		t.Error("Allow() for a different key should be allowed")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 20, Burst: 1})

	if !rl.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("k") {
		t.Fatal("second immediate request should be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 3})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")
	rl.Allow("a") // refresh a; b becomes oldest
	rl.Allow("d")

	if rl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rl.Len())
	}
	if rl.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", rl.Evictions())
	}
	if _, ok := rl.entries["b"]; ok {
		t.Error("least recently used key b should be evicted")
	}
	if _, ok := rl.entries["a"]; !ok {
		t.Error("recently used key a should be kept")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute})

	rl.Allow("a")
	rl.Allow("b")

	if removed := rl.Sweep(time.Now()); removed != 0 {
		t.Errorf("Sweep(now) removed %d, want 0", removed)
	}
	if removed := rl.Sweep(time.Now().Add(2 * time.Minute)); removed != 2 {
		t.Errorf("Sweep(+2m) removed %d, want 2", removed)
	}
	if rl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rl.Len())
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, MaxEntries: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Allow(fmt.Sprintf("key-%d", (n*100+j)%80))
			}
		}(i)
	}
	wg.Wait()

	if rl.Len() > 50 {
		t.Errorf("Len() = %d, exceeds MaxEntries 50", rl.Len())
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1}, nil)
	rl.Stop()
	rl.Stop()
}
