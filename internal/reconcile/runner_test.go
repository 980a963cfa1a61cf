package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestJitteredIntervalBounds(t *testing.T) {
	base := time.Minute
	for _, sample := range []float64{0, 0.25, 0.5, 0.75, 1} {
		got := jitteredIntervalWithSample(base, 0.2, sample)
		if got < 48*time.Second || got > 72*time.Second {
			t.Fatalf("sample %.2f: interval %s outside +/-20%% of base", sample, got)
		}
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != base {
		t.Fatalf("midpoint sample must return the base interval, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("zero jitter must return the base interval, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("zero base must return zero, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.5); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := clampJitterRatio(0.3); got != 0.3 {
		t.Fatalf("expected 0.3, got %f", got)
	}
}

func TestRunnerExecutesTasksOnInterval(t *testing.T) {
	runner := NewRunner(nil)
	var runs int32
	runner.Add(TaskSpec{
		Name:     "tick",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("task never ran twice, got %d", atomic.LoadInt32(&runs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	runner.Wait()

	statuses := runner.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("expected one task status, got %d", len(statuses))
	}
	status := statuses[0]
	if status.Name != "tick" {
		t.Fatalf("unexpected task name %q", status.Name)
	}
	if status.RunCount < 2 {
		t.Fatalf("expected at least 2 runs, got %d", status.RunCount)
	}
	if status.FailureCount != 0 || status.LastError != "" {
		t.Fatalf("healthy task must report no failures: %+v", status)
	}
	if status.LastRunTime == nil {
		t.Fatalf("expected last run time")
	}
}

func TestRunnerRecordsTaskFailures(t *testing.T) {
	runner := NewRunner(nil)
	var runs int32
	runner.Add(TaskSpec{
		Name:     "flaky",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("upstream unavailable")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	runner.Wait()

	status := runner.Statuses()[0]
	if status.FailureCount < 1 {
		t.Fatalf("expected recorded failures, got %d", status.FailureCount)
	}
	if status.LastError != "upstream unavailable" {
		t.Fatalf("unexpected last error %q", status.LastError)
	}
}

func TestRunnerStatusesSortedByName(t *testing.T) {
	runner := NewRunner(nil)
	noop := func(ctx context.Context) error { return nil }
	runner.Add(TaskSpec{Name: "zeta", Interval: time.Hour, Run: noop})
	runner.Add(TaskSpec{Name: "alpha", Interval: time.Hour, Run: noop})

	statuses := runner.Statuses()
	if len(statuses) != 2 || statuses[0].Name != "alpha" || statuses[1].Name != "zeta" {
		t.Fatalf("expected sorted statuses, got %+v", statuses)
	}
}

func TestRunnerIgnoresNilTask(t *testing.T) {
	runner := NewRunner(nil)
	runner.Add(TaskSpec{Name: "empty", Interval: time.Hour})
	if len(runner.Statuses()) != 0 {
		t.Fatalf("task without a run function must be dropped")
	}
}
