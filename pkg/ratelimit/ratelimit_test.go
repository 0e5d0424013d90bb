package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	limiter := NewLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("caller") {
			t.Fatalf("Hit %d should be allowed", i+1)
		}
	}
	if limiter.Allow("caller") {
		t.Error("Fourth hit should be rejected")
	}

	// Other callers have their own budget.
	if !limiter.Allow("other") {
		t.Error("A different key must not share the budget")
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	limiter := NewLimiter(50*time.Millisecond, 1)

	if !limiter.Allow("caller") {
		t.Fatal("First hit should be allowed")
	}
	if limiter.Allow("caller") {
		t.Fatal("Second hit inside the window should be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow("caller") {
		t.Error("Hit after the window should be allowed again")
	}
}
