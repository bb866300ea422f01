package server

import "testing"

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	if rl.Enabled() {
		t.Error("Enabled() = true for rpm 0")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("client") {
			t.Fatalf("Allow() = false on call %d with limiting disabled", i+1)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	// 6 RPM refills a token every 10s, so the burst is all a fast caller gets.
	rl := NewRateLimiter(6, 3)
	if !rl.Enabled() {
		t.Fatal("Enabled() = false for rpm 6")
	}
	for i := 0; i < 3; i++ {
		if !rl.Allow("client") {
			t.Fatalf("Allow() = false on burst call %d", i+1)
		}
	}
	if rl.Allow("client") {
		t.Error("Allow() = true after burst exhausted")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(6, 1)
	if !rl.Allow("a") {
		t.Fatal("first call for a denied")
	}
	if rl.Allow("a") {
		t.Error("second call for a allowed, want denied")
	}
	if !rl.Allow("b") {
		t.Error("first call for b denied; buckets must be per-client")
	}
}
