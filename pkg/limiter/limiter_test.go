package limiter

import (
	"errors"
	"testing"
	"time"
)

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if err := l.Reserve("inst-1"); err != nil {
			t.Fatalf("reserve %d: expected success, got %v", i, err)
		}
	}

	err := l.Reserve("inst-1")
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit after burst exhausted, got %v", err)
	}
}

func TestLimiterIsolatesInstances(t *testing.T) {
	l := NewLimiter(60, 1)

	if err := l.Reserve("inst-1"); err != nil {
		t.Fatalf("inst-1 reserve failed: %v", err)
	}
	if err := l.Reserve("inst-2"); err != nil {
		t.Errorf("inst-2 should have its own bucket, got %v", err)
	}
	if err := l.Reserve("inst-1"); !errors.Is(err, ErrRateLimit) {
		t.Errorf("inst-1 should be exhausted, got %v", err)
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := NewLimiter(60, 2)

	_ = l.Reserve("inst-1")
	_ = l.Reserve("inst-1")
	if err := l.Reserve("inst-1"); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	// Backdate the refill clock by two seconds: at 60/min that is two tokens.
	l.mu.RLock()
	il := l.instances["inst-1"]
	l.mu.RUnlock()
	il.mu.Lock()
	il.lastRefill = il.lastRefill.Add(-2 * time.Second)
	il.mu.Unlock()

	if err := l.Reserve("inst-1"); err != nil {
		t.Errorf("expected refilled token, got %v", err)
	}
}

func TestLimiterRemoveResetsBucket(t *testing.T) {
	l := NewLimiter(60, 1)

	_ = l.Reserve("inst-1")
	if err := l.Reserve("inst-1"); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	l.Remove("inst-1")

	if err := l.Reserve("inst-1"); err != nil {
		t.Errorf("expected full bucket after remove, got %v", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0)

	for i := 0; i < 100; i++ {
		if err := l.Reserve("inst-1"); err != nil {
			t.Fatalf("disabled limiter should never block, got %v", err)
		}
	}
}

func TestLimiterAvailable(t *testing.T) {
	l := NewLimiter(60, 5)

	if got := l.Available("inst-1"); got != 5 {
		t.Errorf("fresh instance: expected 5 available, got %d", got)
	}

	_ = l.Reserve("inst-1")
	_ = l.Reserve("inst-1")
	if got := l.Available("inst-1"); got != 3 {
		t.Errorf("after two reserves: expected 3 available, got %d", got)
	}
}
