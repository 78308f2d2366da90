// Package flush tracks admitted records until they reach a terminal state so
// callers can wait for everything pushed before a given point.
//
// Records are stamped with the current epoch on admission. Begin closes the
// current epoch and returns it; Wait blocks until no record of that epoch or
// any earlier one is outstanding. Records admitted after Begin belong to a
// newer epoch and never extend the wait.
package flush

import (
	"context"
	"sync"
)

// Tracker counts outstanding records per epoch.
type Tracker struct {
	mu      sync.Mutex
	epoch   uint64
	pending map[uint64]int
	changed chan struct{}
}

// NewTracker returns a Tracker starting at epoch 1.
func NewTracker() *Tracker {
	return &Tracker{
		epoch:   1,
		pending: make(map[uint64]int),
		changed: make(chan struct{}),
	}
}

// Admit registers one record and returns the epoch to stamp it with.
func (t *Tracker) Admit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[t.epoch]++
	return t.epoch
}

// Done marks records as terminal. counts maps epoch to record count, as
// returned by Batch.Epochs.
func (t *Tracker) Done(counts map[uint64]int) {
	if len(counts) == 0 {
		return
	}
	t.mu.Lock()
	for e, n := range counts {
		if left := t.pending[e] - n; left > 0 {
			t.pending[e] = left
		} else {
			delete(t.pending, e)
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// DoneOne marks a single record of epoch e as terminal.
func (t *Tracker) DoneOne(e uint64) {
	t.Done(map[uint64]int{e: 1})
}

// Begin closes the current epoch and returns it.
func (t *Tracker) Begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.epoch
	t.epoch++
	return e
}

// Outstanding returns the number of non-terminal records in epochs up to
// and including e.
func (t *Tracker) Outstanding(e uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.outstanding(e)
	return n
}

func (t *Tracker) outstanding(e uint64) (int, <-chan struct{}) {
	n := 0
	for epoch, c := range t.pending {
		if epoch <= e {
			n += c
		}
	}
	return n, t.changed
}

// Wait blocks until every record of epoch e and earlier is terminal. It
// returns false if ctx ends first.
func (t *Tracker) Wait(ctx context.Context, e uint64) bool {
	for {
		t.mu.Lock()
		n, changed := t.outstanding(e)
		t.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
