package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
}

func TestRateLimiterFirstCallImmediate(t *testing.T) {
	rl := NewRateLimiter(1) // one per minute

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first Wait took %v, want immediate", elapsed)
	}
}

func TestRateLimiterCancelledWhileWaiting(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait after cancel should return the context error")
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("2100")
	if err != nil {
		t.Fatalf("ParseClock(2100) returned error: %v", err)
	}
	if c.Hour != 21 || c.Minute != 0 {
		t.Errorf("ParseClock(2100) = %+v, want 21:00", c)
	}

	for _, bad := range []string{"", "9:30", "2460", "2199", "abcd"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) should fail", bad)
		}
	}
}

func TestTradingDayStart(t *testing.T) {
	start, _ := ParseClock("2100")

	// Mid-morning: the session began yesterday evening.
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	got := TradingDayStart(now, start)
	want := time.Date(2025, 6, 9, 21, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("TradingDayStart(%v) = %v, want %v", now, got, want)
	}

	// Late evening: the session began today.
	now = time.Date(2025, 6, 10, 22, 30, 0, 0, time.UTC)
	got = TradingDayStart(now, start)
	want = time.Date(2025, 6, 10, 21, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("TradingDayStart(%v) = %v, want %v", now, got, want)
	}

	// Exactly at the session start.
	now = time.Date(2025, 6, 10, 21, 0, 0, 0, time.UTC)
	got = TradingDayStart(now, start)
	if !got.Equal(now) {
		t.Errorf("TradingDayStart at start = %v, want %v", got, now)
	}
}
