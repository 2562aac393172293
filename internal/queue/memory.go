package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	priority int
	due      time.Time
}

// MemoryQueue is an in-process Queue for single-binary deployments and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	waiting    map[string]memItem
	leased     map[string]memItem
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		visibility: visibility,
		waiting:    make(map[string]memItem),
		leased:     make(map[string]memItem),
	}
}

func (q *MemoryQueue) Schedule(_ context.Context, id string, priority int, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, id)
	q.waiting[id] = memItem{priority: clampPriority(priority), due: due}
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for id, it := range q.waiting {
		if !it.due.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := q.waiting[due[i]], q.waiting[due[j]]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		return due[i] < due[j]
	})
	if len(due) > limit {
		due = due[:limit]
	}
	deadline := now.Add(q.visibility)
	for _, id := range due {
		q.leased[id] = memItem{priority: q.waiting[id].priority, due: deadline}
		delete(q.waiting, id)
	}
	return due, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.leased, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.leased, id)
	delete(q.waiting, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, it := range q.leased {
		if it.due.After(now) {
			continue
		}
		delete(q.leased, id)
		q.waiting[id] = memItem{priority: it.priority, due: now}
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.waiting)), int64(len(q.leased)), nil
}

var _ Queue = (*MemoryQueue)(nil)
