package channel

import (
	"context"
	"strings"
	"sync"
	"time"
)

type QueueItem struct {
	EnvelopeID string   `json:"envelopeId"`
	Priority   Priority `json:"priority"`
}

// EventQueue decouples intake from processing. Dequeue returns the oldest
// item of the highest waiting priority class.
type EventQueue interface {
	TryEnqueue(item QueueItem) bool
	Enqueue(ctx context.Context, item QueueItem) bool
	Dequeue(ctx context.Context) (QueueItem, bool)
	Depth() int
	Capacity() int
	Close() error
}

type eventQueueSnapshotter interface {
	SnapshotItems() []QueueItem
}

type inMemoryEventQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	classes      [3][]QueueItem
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEventQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
}

func (q *inMemoryEventQueue) TryEnqueue(item QueueItem) bool {
	if strings.TrimSpace(item.EnvelopeID) == "" {
		return false
	}
	item.Priority = NormalizePriority(item.Priority)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depthLocked() >= q.capacity {
		return false
	}
	rank := item.Priority.rank()
	q.classes[rank] = append(q.classes[rank], item)
	return true
}

func (q *inMemoryEventQueue) Enqueue(ctx context.Context, item QueueItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (QueueItem, bool) {
	for {
		q.mu.Lock()
		for rank := range q.classes {
			if len(q.classes[rank]) > 0 {
				item := q.classes[rank][0]
				q.classes[rank] = q.classes[rank][1:]
				q.mu.Unlock()
				return item, true
			}
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueueItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryEventQueue) depthLocked() int {
	total := 0
	for rank := range q.classes {
		total += len(q.classes[rank])
	}
	return total
}

func (q *inMemoryEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *inMemoryEventQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryEventQueue) SnapshotItems() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]QueueItem, 0, q.depthLocked())
	for rank := range q.classes {
		items = append(items, q.classes[rank]...)
	}
	return items
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}
