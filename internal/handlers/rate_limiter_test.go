package handlers

import (
	"testing"
	"time"
)

func TestWindowRateLimiter(t *testing.T) {
	now := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("u-1"); !ok {
			t.Fatalf("call %d should pass", i)
		}
	}
	ok, wait := limiter.Allow("u-1")
	if ok || wait != time.Minute {
		t.Fatalf("expected refusal with a minute wait, got ok=%v wait=%s", ok, wait)
	}
	if ok, _ := limiter.Allow("u-2"); !ok {
		t.Fatal("other keys are counted separately")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("u-1"); !ok {
		t.Fatal("window should have reset")
	}
}

func TestWindowRateLimiterDisabled(t *testing.T) {
	if newWindowRateLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected nil limiter for a zero limit")
	}
}
