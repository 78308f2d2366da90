// Package record defines the units that flow through the shipping pipeline:
// a Record produced by the caller and a Batch of records sharing one
// (project, pool) destination.
package record

import (
	"time"
)

// Field is one key/value pair of a structured payload.
type Field struct {
	Key   string
	Value any
}

// Record is a single log entry.
//
// When Fields is nil the record carries Message as an unstructured payload.
type Record struct {
	Project   string
	Pool      string
	Message   string
	Fields    []Field
	Timestamp time.Time

	// epoch is the flush epoch the record was admitted in.
	epoch uint64
}

// Structured reports whether the payload is a field list.
func (r *Record) Structured() bool {
	return r.Fields != nil
}

// Key returns the destination of the record.
func (r *Record) Key() Key {
	return Key{Project: r.Project, Pool: r.Pool}
}

// Epoch returns the flush epoch stamped at admission.
func (r *Record) Epoch() uint64 {
	return r.epoch
}

// SetEpoch stamps the flush epoch. Called once before the record is enqueued.
func (r *Record) SetEpoch(e uint64) {
	r.epoch = e
}

// Key identifies a (project, pool) stream.
type Key struct {
	Project string
	Pool    string
}

func (k Key) String() string {
	return k.Project + "/" + k.Pool
}
