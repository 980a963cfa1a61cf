package channel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func drainQueue(t *testing.T, q EventQueue, n int) []QueueItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]QueueItem, 0, n)
	for i := 0; i < n; i++ {
		item, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d timed out", i)
		}
		out = append(out, item)
	}
	return out
}

func TestInMemoryQueuePriorityOrdering(t *testing.T) {
	q := NewInMemoryEventQueue(16)
	defer q.Close()

	q.TryEnqueue(QueueItem{EnvelopeID: "low-1", Priority: PriorityLow})
	q.TryEnqueue(QueueItem{EnvelopeID: "norm-1", Priority: PriorityNormal})
	q.TryEnqueue(QueueItem{EnvelopeID: "high-1", Priority: PriorityHigh})
	q.TryEnqueue(QueueItem{EnvelopeID: "high-2", Priority: PriorityHigh})
	q.TryEnqueue(QueueItem{EnvelopeID: "norm-2", Priority: PriorityNormal})

	got := drainQueue(t, q, 5)
	want := []string{"high-1", "high-2", "norm-1", "norm-2", "low-1"}
	for i, item := range got {
		if item.EnvelopeID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], item.EnvelopeID)
		}
	}
}

func TestInMemoryQueueCapacity(t *testing.T) {
	q := NewInMemoryEventQueue(2)
	defer q.Close()

	if !q.TryEnqueue(QueueItem{EnvelopeID: "a", Priority: PriorityNormal}) {
		t.Fatalf("first enqueue must succeed")
	}
	if !q.TryEnqueue(QueueItem{EnvelopeID: "b", Priority: PriorityHigh}) {
		t.Fatalf("second enqueue must succeed")
	}
	if q.TryEnqueue(QueueItem{EnvelopeID: "c", Priority: PriorityHigh}) {
		t.Fatalf("enqueue beyond capacity must fail regardless of priority")
	}
	if q.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Depth())
	}
	if q.Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", q.Capacity())
	}
}

func TestInMemoryQueueRejectsEmptyEnvelopeID(t *testing.T) {
	q := NewInMemoryEventQueue(4)
	defer q.Close()
	if q.TryEnqueue(QueueItem{EnvelopeID: "  "}) {
		t.Fatalf("blank envelope id must be rejected")
	}
}

func TestInMemoryQueueDequeueRespectsContext(t *testing.T) {
	q := NewInMemoryEventQueue(4)
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("dequeue from empty queue must fail once the context ends")
	}
}

func TestInMemoryQueueNormalizesUnknownPriority(t *testing.T) {
	q := NewInMemoryEventQueue(4)
	defer q.Close()
	q.TryEnqueue(QueueItem{EnvelopeID: "weird", Priority: Priority("urgent")})
	q.TryEnqueue(QueueItem{EnvelopeID: "high", Priority: PriorityHigh})

	got := drainQueue(t, q, 2)
	if got[0].EnvelopeID != "high" {
		t.Fatalf("unknown priority must fold to normal, got %s first", got[0].EnvelopeID)
	}
	if got[1].Priority != PriorityNormal {
		t.Fatalf("expected normalized priority, got %s", got[1].Priority)
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := NewFileEventQueue(path, 16)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !q.TryEnqueue(QueueItem{EnvelopeID: fmt.Sprintf("env_%d", i), Priority: PriorityNormal}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileEventQueue(path, 16)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 3 {
		t.Fatalf("expected 3 persisted items, got %d", reopened.Depth())
	}
	got := drainQueue(t, reopened, 3)
	for i, item := range got {
		if item.EnvelopeID != fmt.Sprintf("env_%d", i) {
			t.Fatalf("position %d: got %s", i, item.EnvelopeID)
		}
	}
}

func TestFileQueuePriorityOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileEventQueue(path, 16)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	q.TryEnqueue(QueueItem{EnvelopeID: "low", Priority: PriorityLow})
	q.TryEnqueue(QueueItem{EnvelopeID: "high", Priority: PriorityHigh})
	q.TryEnqueue(QueueItem{EnvelopeID: "normal", Priority: PriorityNormal})

	got := drainQueue(t, q, 3)
	want := []string{"high", "normal", "low"}
	for i, item := range got {
		if item.EnvelopeID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], item.EnvelopeID)
		}
	}
}

func TestFileQueueTruncatesOverCapacitySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileEventQueue(path, 16)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for i := 0; i < 6; i++ {
		q.TryEnqueue(QueueItem{EnvelopeID: fmt.Sprintf("env_%d", i), Priority: PriorityNormal})
	}
	q.Close()

	small, err := NewFileEventQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen with smaller capacity: %v", err)
	}
	defer small.Close()
	if small.Depth() != 2 {
		t.Fatalf("expected snapshot clamped to capacity, got depth %d", small.Depth())
	}
	got := drainQueue(t, small, 2)
	if got[0].EnvelopeID != "env_4" || got[1].EnvelopeID != "env_5" {
		t.Fatalf("expected newest items kept, got %s %s", got[0].EnvelopeID, got[1].EnvelopeID)
	}
}
