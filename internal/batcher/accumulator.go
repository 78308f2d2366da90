package batcher

import (
	"time"

	"github.com/klogsdk/klog-go/internal/record"
)

// Limits are the seal triggers. A batch is sealed when it reaches MaxAge,
// MaxBytes of encoded size or MaxRecords, whichever comes first.
type Limits struct {
	MaxAge     time.Duration
	MaxBytes   int
	MaxRecords int
}

// Accumulator holds the open batch of every (project, pool) pair. It has no
// goroutines or clocks of its own; callers pass the current time so trigger
// decisions are deterministic.
type Accumulator struct {
	limits Limits
	open   map[record.Key]*record.Batch
	order  []record.Key // open keys in creation order
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator(l Limits) *Accumulator {
	return &Accumulator{
		limits: l,
		open:   make(map[record.Key]*record.Batch),
	}
}

// Add places rec, of encoded size bytes, into its pair's open batch. It
// returns the batches sealed as a consequence, in seal order. A record that
// would push the open batch past MaxBytes seals that batch first and starts
// a new one.
func (a *Accumulator) Add(rec record.Record, size int, now time.Time) []*record.Batch {
	var sealed []*record.Batch
	k := rec.Key()

	b := a.open[k]
	if b != nil && b.Len() > 0 && b.ByteSize+size > a.limits.MaxBytes {
		sealed = append(sealed, a.seal(k, record.TriggerSize, now))
		b = nil
	}
	if b == nil {
		b = record.NewBatch(k, now)
		a.open[k] = b
		a.order = append(a.order, k)
	}
	b.Add(rec, size)

	switch {
	case b.Len() >= a.limits.MaxRecords:
		sealed = append(sealed, a.seal(k, record.TriggerCount, now))
	case b.ByteSize >= a.limits.MaxBytes:
		sealed = append(sealed, a.seal(k, record.TriggerSize, now))
	}
	return sealed
}

// Expire seals every batch whose age has reached MaxAge.
func (a *Accumulator) Expire(now time.Time) []*record.Batch {
	var sealed []*record.Batch
	for _, k := range append([]record.Key(nil), a.order...) {
		if b := a.open[k]; now.Sub(b.CreatedAt) >= a.limits.MaxAge {
			sealed = append(sealed, a.seal(k, record.TriggerAge, now))
		}
	}
	return sealed
}

// SealAll seals every open batch regardless of age, size and count.
func (a *Accumulator) SealAll(now time.Time) []*record.Batch {
	sealed := make([]*record.Batch, 0, len(a.order))
	for _, k := range append([]record.Key(nil), a.order...) {
		sealed = append(sealed, a.seal(k, record.TriggerFlush, now))
	}
	return sealed
}

// Open returns the number of open batches.
func (a *Accumulator) Open() int {
	return len(a.open)
}

// Pending returns the number of records in open batches.
func (a *Accumulator) Pending() int {
	n := 0
	for _, b := range a.open {
		n += b.Len()
	}
	return n
}

func (a *Accumulator) seal(k record.Key, trigger record.Trigger, now time.Time) *record.Batch {
	b := a.open[k]
	delete(a.open, k)
	for i, key := range a.order {
		if key == k {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	b.Seal(trigger, now)
	return b
}
