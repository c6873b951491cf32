// Package memory provides the bounded in-memory queue holding jobs that
// wait for a free session slot.
package memory

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Queue errors.
var (
	ErrFull      = errors.New("queue full")
	ErrDuplicate = errors.New("job already queued")
)

type entry struct {
	id    string
	rank  int
	seq   uint64
	index int
}

// Queue orders job IDs by priority (high first), then by push order.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    entryHeap
	byID     map[string]*entry
	capacity int
	seq      uint64
}

// NewQueue constructs a queue holding at most capacity jobs; 0 means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{byID: make(map[string]*entry), capacity: capacity}
}

// Push queues id at priority.
func (q *Queue) Push(id string, priority crawler.JobPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; ok {
		return ErrDuplicate
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return ErrFull
	}
	q.seq++
	e := &entry{id: id, rank: priority.Rank(), seq: q.seq}
	heap.Push(&q.items, e)
	q.byID[id] = e
	return nil
}

// Pop removes and returns the next job ID.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return "", false
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.byID, e.id)
	return e.id, true
}

// Remove drops id and reports whether it was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, id)
	return true
}

// Position returns id's 1-based place in line, or 0 when it is not queued.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	target, ok := q.byID[id]
	if !ok {
		return 0
	}
	pos := 1
	for _, e := range q.items {
		if e != target && e.before(target) {
			pos++
		}
	}
	return pos
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain removes every queued job and returns their IDs in order.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, q.items.Len())
	for q.items.Len() > 0 {
		ids = append(ids, heap.Pop(&q.items).(*entry).id)
	}
	clear(q.byID)
	return ids
}

func (e *entry) before(other *entry) bool {
	if e.rank != other.rank {
		return e.rank < other.rank
	}
	return e.seq < other.seq
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
