package util

import (
	"context"
	"errors"
	"log/slog"
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

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	if got := Backoff(0, base, max); got != time.Second {
		t.Errorf("Backoff(0) = %v, want 1s", got)
	}
	if got := Backoff(3, base, max); got != 8*time.Second {
		t.Errorf("Backoff(3) = %v, want 8s", got)
	}
	if got := Backoff(10, base, max); got != max {
		t.Errorf("Backoff(10) = %v, want cap %v", got, max)
	}
	if got := Backoff(64, base, max); got != max {
		t.Errorf("Backoff(64) = %v, want cap %v", got, max)
	}
	if got := Backoff(-1, base, max); got != base {
		t.Errorf("Backoff(-1) = %v, want base %v", got, base)
	}
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	rl := NewRateLimiter(60 * 1000) // 1ms apart
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// First call is free; the next three are spaced 1ms apart.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("4 calls took %v, want at least 3ms", elapsed)
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func TestRateLimiterHonorsCancel(t *testing.T) {
	rl := NewRateLimiter(1) // one per minute
	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := rl.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	debug := NewLogger("debug", "json")
	if !debug.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should enable debug records")
	}
	warn := NewLogger("warn", "text")
	if warn.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("warn logger should drop info records")
	}
	fallback := NewLogger("nonsense", "json")
	if !fallback.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("unrecognised level should fall back to info")
	}
}

func TestTradingCalendarSessions(t *testing.T) {
	cal := NewTradingCalendar()

	// 2026-09-02 is a Wednesday.
	cases := []struct {
		hour, minute int
		session      string
		open         bool
	}{
		{9, 0, SessionPreMarket, false},
		{9, 30, SessionMorning, true},
		{11, 59, SessionMorning, true},
		{12, 15, SessionLunch, false},
		{13, 0, SessionAfternoon, true},
		{15, 59, SessionAfternoon, true},
		{16, 0, SessionAfterHours, false},
	}
	for _, c := range cases {
		ts := time.Date(2026, 9, 2, c.hour, c.minute, 0, 0, hkLocation)
		if got := cal.Session(ts); got != c.session {
			t.Errorf("Session(%02d:%02d) = %q, want %q", c.hour, c.minute, got, c.session)
		}
		open, _ := cal.IsMarketOpen(ts)
		if open != c.open {
			t.Errorf("IsMarketOpen(%02d:%02d) = %v, want %v", c.hour, c.minute, open, c.open)
		}
	}

	saturday := time.Date(2026, 9, 5, 10, 0, 0, 0, hkLocation)
	if open, reason := cal.IsMarketOpen(saturday); open || reason != "Market closed: Weekend" {
		t.Errorf("Saturday should be closed, got open=%v reason=%q", open, reason)
	}
}
