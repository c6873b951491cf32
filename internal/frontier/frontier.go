// Package frontier holds the per-session crawl queue: a priority heap of
// discovered URLs, the visited set, the depth bound, and the politeness gate.
package frontier

import (
	"container/heap"
	"time"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// minWait is returned when a domain is blocked but reports no remaining delay.
const minWait = 10 * time.Millisecond

// Gate spaces requests per domain. It may be shared by many frontiers.
type Gate interface {
	// TryAcquire takes the domain's slot if it is free at now.
	TryAcquire(domain string, delay time.Duration, now time.Time) bool
	// Delay reports the time until the domain's next free slot.
	Delay(domain string, now time.Time) time.Duration
}

// Config bounds a frontier.
type Config struct {
	MaxDepth     int
	Delay        time.Duration
	MaxPerDomain int // 0 = unlimited
}

// Entry is one queued URL.
type Entry struct {
	URL        string
	Domain     string
	ParentURL  string
	Depth      int
	Priority   float64
	EnqueuedAt time.Time

	seq uint64
}

type urlState uint8

const (
	stateQueued urlState = iota + 1
	statePopped
	stateVisited
)

// Frontier is not safe for concurrent use; each session owns one.
type Frontier struct {
	cfg     Config
	gate    Gate
	queue   entryHeap
	seen    map[string]urlState
	popped  map[string]int
	seq     uint64
	dropped int
}

// New builds a Frontier. A nil gate admits every pop.
func New(cfg Config, gate Gate) *Frontier {
	return &Frontier{
		cfg:    cfg,
		gate:   gate,
		seen:   make(map[string]urlState),
		popped: make(map[string]int),
	}
}

// Push queues a seed or discovered URL. It reports false when the URL is not
// an absolute http(s) URL, is deeper than MaxDepth, or was already queued or
// visited.
func (f *Frontier) Push(rawURL string, depth int, priority float64) bool {
	return f.PushChild(rawURL, "", depth, priority, time.Now())
}

// PushChild is Push with the discovering page and enqueue time recorded.
func (f *Frontier) PushChild(rawURL, parentURL string, depth int, priority float64, now time.Time) bool {
	if depth < 0 || depth > f.cfg.MaxDepth {
		return false
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil || !crawler.IsHTTPURL(normalized) {
		return false
	}
	if _, ok := f.seen[normalized]; ok {
		return false
	}
	f.seq++
	f.seen[normalized] = stateQueued
	heap.Push(&f.queue, &Entry{
		URL:        normalized,
		Domain:     crawler.Domain(normalized),
		ParentURL:  parentURL,
		Depth:      depth,
		Priority:   priority,
		EnqueuedAt: now,
		seq:        f.seq,
	})
	return true
}

// Pop removes and returns the highest-priority entry whose domain the gate
// admits at now. When no entry is admitted it returns ok=false and the
// shortest wait until one could be; wait is zero when the queue is empty.
// Entries for domains that reached MaxPerDomain are dropped and marked visited.
func (f *Frontier) Pop(now time.Time) (Entry, time.Duration, bool) {
	var (
		held    []*Entry
		blocked = map[string]bool{}
		wait    time.Duration
	)
	defer func() {
		for _, e := range held {
			heap.Push(&f.queue, e)
		}
	}()

	for f.queue.Len() > 0 {
		e := heap.Pop(&f.queue).(*Entry)
		if f.cfg.MaxPerDomain > 0 && f.popped[e.Domain] >= f.cfg.MaxPerDomain {
			f.seen[e.URL] = stateVisited
			f.dropped++
			continue
		}
		if blocked[e.Domain] {
			held = append(held, e)
			continue
		}
		if f.gate != nil && !f.gate.TryAcquire(e.Domain, f.cfg.Delay, now) {
			blocked[e.Domain] = true
			held = append(held, e)
			d := f.gate.Delay(e.Domain, now)
			if d <= 0 {
				d = minWait
			}
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		f.seen[e.URL] = statePopped
		f.popped[e.Domain]++
		return *e, 0, true
	}
	return Entry{}, wait, false
}

// MarkVisited records that rawURL's fetch finished, successfully or not.
func (f *Frontier) MarkVisited(rawURL string) {
	if normalized, err := crawler.NormalizeURL(rawURL); err == nil {
		rawURL = normalized
	}
	f.seen[rawURL] = stateVisited
}

// Visited reports whether rawURL was marked visited.
func (f *Frontier) Visited(rawURL string) bool {
	if normalized, err := crawler.NormalizeURL(rawURL); err == nil {
		rawURL = normalized
	}
	return f.seen[rawURL] == stateVisited
}

// Len is the number of queued entries.
func (f *Frontier) Len() int {
	return f.queue.Len()
}

// Dropped counts entries discarded by the per-domain cap.
func (f *Frontier) Dropped() int {
	return f.dropped
}

// entryHeap orders by priority, then insertion order.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
