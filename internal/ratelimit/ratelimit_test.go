package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := New(Config{
		RequestsPerSecond: 1,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "caller_a"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("request after burst should be denied")
	}

	// 1 req/sec replenishes one token in a second.
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow(key) {
		t.Error("request after replenishment should be allowed")
	}
}

func TestLimiterIsolatesCallers(t *testing.T) {
	limiter := New(Config{
		RequestsPerSecond: 1,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("caller_a")
	}

	if limiter.Allow("caller_a") {
		t.Error("caller_a should be rate limited")
	}
	if !limiter.Allow("caller_b") {
		t.Error("caller_b should have its own budget")
	}
}

func TestNewFillsZeroConfig(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	if limiter.cfg.RequestsPerSecond != DefaultConfig().RequestsPerSecond {
		t.Errorf("expected default rate, got %d", limiter.cfg.RequestsPerSecond)
	}
	if limiter.cfg.BurstSize != limiter.cfg.RequestsPerSecond*2 {
		t.Errorf("expected burst = 2x rate, got %d", limiter.cfg.BurstSize)
	}
}
