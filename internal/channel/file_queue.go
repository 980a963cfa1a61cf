package channel

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueueItem
}

type fileEventQueueState struct {
	Items []QueueItem `json:"items"`
}

func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []QueueItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) TryEnqueue(item QueueItem) bool {
	if strings.TrimSpace(item.EnvelopeID) == "" {
		return false
	}
	item.Priority = NormalizePriority(item.Priority)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Enqueue(ctx context.Context, item QueueItem) bool {
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

func (q *fileEventQueue) Dequeue(ctx context.Context) (QueueItem, bool) {
	for {
		q.mu.Lock()
		if idx := q.nextIndexLocked(); idx >= 0 {
			item := q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			if err := q.saveLocked(); err != nil {
				q.items = append(q.items, QueueItem{})
				copy(q.items[idx+1:], q.items[idx:])
				q.items[idx] = item
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return QueueItem{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueueItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// nextIndexLocked finds the oldest item of the highest waiting priority.
// Enqueue order within a class is preserved because scan order is append
// order.
func (q *fileEventQueue) nextIndexLocked() int {
	best := -1
	for i, item := range q.items {
		if best < 0 || item.Priority.rank() < q.items[best].Priority.rank() {
			best = i
		}
	}
	return best
}

func (q *fileEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

func (q *fileEventQueue) SnapshotItems() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := append([]QueueItem(nil), q.items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority.rank() < items[j].Priority.rank()
	})
	return items
}

func (q *fileEventQueue) Close() error {
	return nil
}

func (q *fileEventQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEventQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]QueueItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]QueueItem(nil), snapshot.Items...)
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	snapshot := fileEventQueueState{
		Items: append([]QueueItem(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
