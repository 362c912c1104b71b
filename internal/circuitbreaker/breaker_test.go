package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/fleetmon/internal/config"
)

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker("chat", config.BreakerConfig{}, Hooks{})

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
	if snap.RecoveryThreshold != 2 {
		t.Errorf("expected recovery threshold 2, got %d", snap.RecoveryThreshold)
	}
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Second,
	}, Hooks{})

	// First 2 failures: still closed
	for i := 0; i < 2; i++ {
		b.Record(false, time.Millisecond)
	}
	if got := b.CurrentState(); got != StateClosed {
		t.Errorf("expected closed after 2 failures, got %s", got)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("expected allowed while closed, got %v", err)
	}

	// 3rd failure: transitions to open
	b.Record(false, time.Millisecond)
	if got := b.CurrentState(); got != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen while open, got %v", err)
	}
}

func TestBreakerFailuresOutsideWindowIgnored(t *testing.T) {
	now := time.Now()
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold: 3,
		MonitoringWindow: 10 * time.Second,
	}, Hooks{})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	b.Record(false, 0)

	// Old failures age out of the window before the third arrives.
	now = now.Add(11 * time.Second)
	b.Record(false, 0)

	if got := b.CurrentState(); got != StateClosed {
		t.Errorf("expected closed, window should have pruned old failures, got %s", got)
	}
	if got := b.Snapshot().FailureCount; got != 1 {
		t.Errorf("expected 1 failure in window, got %d", got)
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold: 1,
		Timeout:          30 * time.Second,
	}, Hooks{})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	if got := b.CurrentState(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	now = now.Add(29 * time.Second)
	if got := b.CurrentState(); got != StateOpen {
		t.Errorf("expected still open before timeout, got %s", got)
	}

	now = now.Add(time.Second)
	if got := b.CurrentState(); got != StateHalfOpen {
		t.Errorf("expected half-open after timeout, got %s", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold:  1,
		RecoveryThreshold: 2,
		Timeout:           time.Second,
	}, Hooks{})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	now = now.Add(2 * time.Second)

	// One success is not enough to close.
	b.Record(true, time.Millisecond)
	if got := b.CurrentState(); got != StateHalfOpen {
		t.Errorf("expected half-open after 1 success, got %s", got)
	}

	b.Record(true, time.Millisecond)
	if got := b.CurrentState(); got != StateClosed {
		t.Errorf("expected closed after 2 successes, got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold:  1,
		RecoveryThreshold: 2,
		Timeout:           time.Second,
	}, Hooks{})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	now = now.Add(2 * time.Second)

	b.Record(true, 0)
	b.Record(false, 0)

	if got := b.CurrentState(); got != StateOpen {
		t.Errorf("expected reopened after half-open failure, got %s", got)
	}

	// The full timeout applies again.
	now = now.Add(500 * time.Millisecond)
	if got := b.CurrentState(); got != StateOpen {
		t.Errorf("expected still open, got %s", got)
	}
}

func TestBreakerHalfOpenLimitsTrialRequests(t *testing.T) {
	now := time.Now()
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold:  1,
		RecoveryThreshold: 2,
		Timeout:           time.Second,
	}, Hooks{})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	now = now.Add(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Errorf("expected first trial allowed, got %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("expected second trial allowed, got %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected third trial rejected, got %v", err)
	}
}

func TestBreakerRejectedOutcomesDoNotCount(t *testing.T) {
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, Hooks{})

	b.Record(false, 0)
	b.Record(false, 0)
	if got := b.CurrentState(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	// Outcomes reported while open count as rejected, not failures.
	for i := 0; i < 10; i++ {
		b.Record(false, 0)
	}

	snap := b.Snapshot()
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 10 {
		t.Errorf("expected 10 rejected, got %d", snap.TotalRejected)
	}
}

func TestBreakerHooksFire(t *testing.T) {
	now := time.Now()
	var opened, halfOpened, closed []string

	b := NewBreaker("presence", config.BreakerConfig{
		FailureThreshold:  1,
		RecoveryThreshold: 1,
		Timeout:           time.Second,
	}, Hooks{
		OnOpen:     func(f string) { opened = append(opened, f) },
		OnHalfOpen: func(f string) { halfOpened = append(halfOpened, f) },
		OnClosed:   func(f string) { closed = append(closed, f) },
	})
	b.now = func() time.Time { return now }

	b.Record(false, 0)
	now = now.Add(2 * time.Second)
	b.CurrentState()
	b.Record(true, 0)

	if len(opened) != 1 || opened[0] != "presence" {
		t.Errorf("expected one open hook for presence, got %v", opened)
	}
	if len(halfOpened) != 1 {
		t.Errorf("expected one half-open hook, got %v", halfOpened)
	}
	if len(closed) != 1 {
		t.Errorf("expected one closed hook, got %v", closed)
	}
}

func TestBreakerConcurrentRecords(t *testing.T) {
	b := NewBreaker("chat", config.BreakerConfig{
		FailureThreshold: 1000000,
		MonitoringWindow: time.Hour,
	}, Hooks{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Record(j%2 == 0, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	if snap.TotalSuccesses != 500 {
		t.Errorf("expected 500 successes, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 500 {
		t.Errorf("expected 500 failures, got %d", snap.TotalFailures)
	}
}

func TestBreakerAvgResponseTime(t *testing.T) {
	b := NewBreaker("chat", config.BreakerConfig{}, Hooks{})

	b.Record(true, 10*time.Millisecond)
	b.Record(true, 20*time.Millisecond)

	if got := b.Snapshot().AvgResponseTime; got != 15*time.Millisecond {
		t.Errorf("expected 15ms average, got %s", got)
	}
}
