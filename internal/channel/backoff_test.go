package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestBackoffEngine(cfg BackoffConfig) (*BackoffEngine, *time.Time) {
	engine := NewBackoffEngine(cfg)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return current }
	engine.sample = func() float64 { return 0.5 }
	return engine, &current
}

func TestBackoffDelaysAreMonotone(t *testing.T) {
	engine, _ := newTestBackoffEngine(BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		MaxRetries:   10,
	})

	var previous time.Duration
	for i := 0; i < 8; i++ {
		policy := engine.RecordFailure("tenant-1")
		if policy.NextDelay < previous {
			t.Fatalf("delay decreased at failure %d: %s < %s", i+1, policy.NextDelay, previous)
		}
		previous = policy.NextDelay
	}
	if previous != 30*time.Minute {
		t.Fatalf("expected delay capped at 30m, got %s", previous)
	}
}

func TestBackoffDoublesFromInitialDelay(t *testing.T) {
	engine, _ := newTestBackoffEngine(BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		MaxRetries:   10,
	})

	expected := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
	}
	for i, want := range expected {
		policy := engine.RecordFailure("tenant-1")
		if policy.NextDelay != want {
			t.Fatalf("failure %d: expected delay %s, got %s", i+1, want, policy.NextDelay)
		}
	}
}

func TestBackoffResetClearsStreak(t *testing.T) {
	engine, _ := newTestBackoffEngine(BackoffConfig{MaxRetries: 5})

	for i := 0; i < 3; i++ {
		engine.RecordFailure("tenant-1")
	}
	if got := engine.Failures("tenant-1"); got != 3 {
		t.Fatalf("expected 3 failures, got %d", got)
	}

	engine.Reset("tenant-1")
	if got := engine.Failures("tenant-1"); got != 0 {
		t.Fatalf("expected 0 failures after reset, got %d", got)
	}
	if engine.InBackoff("tenant-1") {
		t.Fatalf("expected no backoff after reset")
	}
	policy := engine.RecordFailure("tenant-1")
	if policy.NextDelay != 30*time.Second {
		t.Fatalf("expected first-failure delay after reset, got %s", policy.NextDelay)
	}
}

func TestBackoffEscalatesAfterMaxRetries(t *testing.T) {
	engine, _ := newTestBackoffEngine(BackoffConfig{MaxRetries: 3})

	for i := 0; i < 2; i++ {
		policy := engine.RecordFailure("tenant-1")
		if !policy.ShouldRetry {
			t.Fatalf("expected retry allowed at failure %d", i+1)
		}
	}
	policy := engine.RecordFailure("tenant-1")
	if policy.ShouldRetry {
		t.Fatalf("expected escalation after %d failures", policy.TotalFailures)
	}
	if policy.TotalFailures != 3 {
		t.Fatalf("expected 3 total failures, got %d", policy.TotalFailures)
	}
}

func TestBackoffWindowElapses(t *testing.T) {
	engine, current := newTestBackoffEngine(BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxRetries:   5,
	})

	engine.RecordFailure("tenant-1")
	if !engine.InBackoff("tenant-1") {
		t.Fatalf("expected tenant in backoff immediately after failure")
	}

	*current = current.Add(29 * time.Second)
	if !engine.InBackoff("tenant-1") {
		t.Fatalf("expected tenant still in backoff before window elapses")
	}

	*current = current.Add(2 * time.Second)
	if engine.InBackoff("tenant-1") {
		t.Fatalf("expected backoff window to have elapsed")
	}
}

func TestBackoffJitterStaysWithinRatio(t *testing.T) {
	for _, sample := range []float64{0, 0.25, 0.5, 0.75, 1} {
		engine := NewBackoffEngine(BackoffConfig{
			InitialDelay: time.Minute,
			MaxDelay:     time.Hour,
			JitterRatio:  0.2,
			MaxRetries:   5,
		})
		engine.sample = func() float64 { return sample }
		policy := engine.RecordFailure("tenant-1")
		min := time.Duration(float64(time.Minute) * 0.8)
		max := time.Duration(float64(time.Minute) * 1.2)
		if policy.NextDelay < min || policy.NextDelay > max {
			t.Fatalf("sample %v: delay %s outside [%s, %s]", sample, policy.NextDelay, min, max)
		}
	}
}

func TestBackoffKeysAreIndependent(t *testing.T) {
	engine, _ := newTestBackoffEngine(BackoffConfig{MaxRetries: 5})

	engine.RecordFailure("sync:tenant-1")
	engine.RecordFailure("sync:tenant-1")
	engine.RecordFailure("cred:tenant-1")

	if got := engine.Failures("sync:tenant-1"); got != 2 {
		t.Fatalf("expected 2 sync failures, got %d", got)
	}
	if got := engine.Failures("cred:tenant-1"); got != 1 {
		t.Fatalf("expected 1 cred failure, got %d", got)
	}
	if got := engine.Failures("sync:tenant-2"); got != 0 {
		t.Fatalf("expected untouched key to have 0 failures, got %d", got)
	}
}

func TestBackoffConcurrentKeyedUpdates(t *testing.T) {
	engine := NewBackoffEngine(BackoffConfig{MaxRetries: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("tenant-%d", n%4)
			for j := 0; j < 50; j++ {
				engine.RecordFailure(key)
				engine.InBackoff(key)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		total += engine.Failures(fmt.Sprintf("tenant-%d", i))
	}
	if total != 16*50 {
		t.Fatalf("expected 800 recorded failures across keys, got %d", total)
	}
}
