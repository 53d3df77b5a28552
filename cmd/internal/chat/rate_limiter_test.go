package chat

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d within limit was blocked", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("event over the limit was allowed")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatal("events within limit were blocked")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatal("event inside the window was allowed over the limit")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("event after the window slid was blocked")
	}
}
