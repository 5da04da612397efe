package relay

import "sync"

// Lanes runs jobs in submission order per key. A key with pending work has
// exactly one goroutine draining it; jobs for different keys never wait on
// each other here.
type Lanes struct {
	mu      sync.Mutex
	pending map[string][]func()
	queued  int
}

func NewLanes() *Lanes {
	return &Lanes{pending: make(map[string][]func())}
}

// Submit queues job behind the earlier jobs for key.
func (l *Lanes) Submit(key string, job func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, busy := l.pending[key]; busy {
		l.pending[key] = append(q, job)
		l.queued++
		return
	}
	l.pending[key] = nil
	go l.drain(key, job)
}

func (l *Lanes) drain(key string, job func()) {
	for job != nil {
		job()

		l.mu.Lock()
		q := l.pending[key]
		if len(q) == 0 {
			delete(l.pending, key)
			job = nil
		} else {
			job = q[0]
			l.pending[key] = q[1:]
			l.queued--
		}
		l.mu.Unlock()
	}
}

// Active returns the number of keys with a running job.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Queued returns the number of jobs waiting behind a running one.
func (l *Lanes) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queued
}
