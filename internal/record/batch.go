package record

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a batch.
type State int

const (
	StateAccumulating State = iota
	StateSealed
	StateRetrying
	StateSent
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateSealed:
		return "sealed"
	case StateRetrying:
		return "retrying"
	case StateSent:
		return "sent"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSent || s == StateDropped
}

// Trigger names the condition that sealed a batch.
type Trigger string

const (
	TriggerAge   Trigger = "age"
	TriggerSize  Trigger = "size"
	TriggerCount Trigger = "count"
	TriggerFlush Trigger = "flush"
)

// Batch groups records of a single (project, pool) stream.
type Batch struct {
	ID        string
	Key       Key
	Records   []Record
	ByteSize  int
	CreatedAt time.Time
	SealedAt  time.Time
	Trigger   Trigger
	State     State
}

// NewBatch opens an accumulating batch for k.
func NewBatch(k Key, now time.Time) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Key:       k,
		CreatedAt: now,
		State:     StateAccumulating,
	}
}

// Add appends rec, accounting size bytes.
func (b *Batch) Add(rec Record, size int) {
	b.Records = append(b.Records, rec)
	b.ByteSize += size
}

// Len returns the number of records.
func (b *Batch) Len() int {
	return len(b.Records)
}

// Seal moves the batch out of the accumulating state.
func (b *Batch) Seal(trigger Trigger, now time.Time) {
	b.Trigger = trigger
	b.SealedAt = now
	b.State = StateSealed
}

// Epochs counts records per admission epoch, used by flush tracking.
func (b *Batch) Epochs() map[uint64]int {
	out := make(map[uint64]int, 1)
	for i := range b.Records {
		out[b.Records[i].epoch]++
	}
	return out
}
