package relay

import (
	"context"
	"sync"
)

// DedupTracker is a bounded set of recently seen message ids. Once full, the
// oldest id is evicted first.
type DedupTracker struct {
	mu       sync.Mutex
	capacity int
	order    []string
	head     int // index of the oldest id once order is full
	seen     map[string]struct{}
}

// NewDedupTracker creates a tracker holding at most capacity ids.
func NewDedupTracker(capacity int) *DedupTracker {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DedupTracker{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// SeenBefore reports whether id was already recorded and records it if not.
// An empty id is always novel and never recorded.
func (d *DedupTracker) SeenBefore(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		delete(d.seen, d.order[d.head])
		d.order[d.head] = id
		d.head = (d.head + 1) % d.capacity
	}
	d.seen[id] = struct{}{}
	return false
}

// Contains reports whether id is recorded without recording it.
func (d *DedupTracker) Contains(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of recorded ids.
func (d *DedupTracker) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Capacity returns the configured bound.
func (d *DedupTracker) Capacity() int { return d.capacity }

// JournalIDs lists the message ids of already handled messages, oldest first.
type JournalIDs interface {
	RecentMessageIDs(ctx context.Context, limit int) ([]string, error)
}

// Seed fills d with the newest journaled ids so a restarted process does not
// forward them a second time. It returns the number of ids recorded.
func (d *DedupTracker) Seed(ctx context.Context, src JournalIDs) (int, error) {
	ids, err := src.RecentMessageIDs(ctx, d.capacity)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if !d.SeenBefore(id) {
			n++
		}
	}
	return n, nil
}
