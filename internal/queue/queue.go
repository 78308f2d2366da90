// Package queue implements the bounded ingest queue shared by producer
// goroutines and the single batcher goroutine.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klogsdk/klog-go/internal/record"
)

// Size bounds accepted by New.
const (
	MinSize = 1
	MaxSize = 1_000_000
)

var (
	// ErrFull is returned by a non-blocking Enqueue on a full queue. The
	// record has been discarded.
	ErrFull = errors.New("ingest queue is full")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("ingest queue is closed")
)

// Queue is a bounded FIFO of records. Many goroutines may Enqueue; one
// goroutine Drains.
type Queue struct {
	mu      sync.Mutex
	notFull *sync.Cond
	entries []record.Record // ring buffer
	head    int
	n       int
	closed  bool

	ready chan struct{}
}

// New creates a queue holding at most size records.
func New(size int) (*Queue, error) {
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("queue size must be in [%d, %d], got %d", MinSize, MaxSize, size)
	}
	q := &Queue{
		entries: make([]record.Record, size),
		ready:   make(chan struct{}, 1),
	}
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Enqueue appends rec. With block set it waits for free space; otherwise a
// full queue discards rec and returns ErrFull.
func (q *Queue) Enqueue(rec record.Record, block bool) error {
	q.mu.Lock()
	for block && !q.closed && q.n == len(q.entries) {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.n == len(q.entries) {
		q.mu.Unlock()
		return ErrFull
	}

	q.entries[(q.head+q.n)%len(q.entries)] = rec
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns up to max records in FIFO order without
// blocking. max <= 0 drains everything.
func (q *Queue) Drain(max int) []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.n
	if max > 0 && max < count {
		count = max
	}
	if count == 0 {
		return nil
	}

	out := make([]record.Record, count)
	for i := 0; i < count; i++ {
		idx := (q.head + i) % len(q.entries)
		out[i] = q.entries[idx]
		q.entries[idx] = record.Record{} // allow GC to collect the payload
	}
	q.head = (q.head + count) % len(q.entries)
	q.n -= count

	q.notFull.Broadcast()
	return out
}

// Ready signals, edge-triggered, that records may be available.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the current number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close rejects further Enqueue calls and wakes blocked producers. Records
// already queued remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
