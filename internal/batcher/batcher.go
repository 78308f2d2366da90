// Package batcher drains the ingest queue into per-(project, pool) batches
// and seals them on age, size, count or flush.
package batcher

import (
	"context"
	"errors"
	"time"

	"github.com/klogsdk/klog-go/internal/encoder"
	"github.com/klogsdk/klog-go/internal/logging"
	"github.com/klogsdk/klog-go/internal/queue"
	"github.com/klogsdk/klog-go/internal/record"
	"github.com/klogsdk/klog-go/internal/stats"
)

// Default seal triggers.
const (
	DefaultMaxAge       = 2 * time.Second
	DefaultMaxBytes     = 3_000_000
	DefaultMaxRecords   = 4096
	DefaultTickInterval = 100 * time.Millisecond
)

// ErrStopped is returned by Flush once the batcher has exited.
var ErrStopped = errors.New("batcher stopped")

// Sink receives sealed batches.
type Sink interface {
	Submit(b *record.Batch)
}

// Option is a functional option for Batcher.
type Option func(*Batcher)

// WithLimits overrides the seal triggers. Zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(b *Batcher) {
		if l.MaxAge > 0 {
			b.limits.MaxAge = l.MaxAge
		}
		if l.MaxBytes > 0 {
			b.limits.MaxBytes = l.MaxBytes
		}
		if l.MaxRecords > 0 {
			b.limits.MaxRecords = l.MaxRecords
		}
	}
}

// WithTickInterval sets how often open batches are checked for age.
func WithTickInterval(d time.Duration) Option {
	return func(b *Batcher) { b.tick = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithStats sets the stats collector.
func WithStats(s *stats.Collector) Option {
	return func(b *Batcher) { b.stats = s }
}

// WithRejectHook is called for every record dropped for exceeding limits.
func WithRejectHook(fn func(rec record.Record)) Option {
	return func(b *Batcher) { b.onReject = fn }
}

// Batcher is the single consumer of the ingest queue.
type Batcher struct {
	queue    *queue.Queue
	sink     Sink
	limits   Limits
	tick     time.Duration
	logger   *logging.Logger
	stats    *stats.Collector
	onReject func(rec record.Record)
	now      func() time.Time

	acc         *Accumulator
	flushChan   chan chan struct{}
	flushSignal chan struct{}
	doneChan    chan struct{}
}

// New creates a Batcher reading from q and handing sealed batches to sink.
func New(q *queue.Queue, sink Sink, opts ...Option) *Batcher {
	b := &Batcher{
		queue: q,
		sink:  sink,
		limits: Limits{
			MaxAge:     DefaultMaxAge,
			MaxBytes:   DefaultMaxBytes,
			MaxRecords: DefaultMaxRecords,
		},
		tick:      DefaultTickInterval,
		logger:    logging.Discard(),
		onReject:  func(record.Record) {},
		now:       time.Now,
		flushChan:   make(chan chan struct{}),
		flushSignal: make(chan struct{}, 1),
		doneChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.stats == nil {
		b.stats, _ = stats.New(nil)
	}
	if b.tick <= 0 || b.tick > b.limits.MaxAge {
		b.tick = min(DefaultTickInterval, b.limits.MaxAge)
	}
	b.acc = NewAccumulator(b.limits)
	return b
}

// Start runs the batching loop until ctx is canceled. On exit it drains the
// queue, seals every open batch and hands them to the sink.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	defer close(b.doneChan)

	for {
		select {
		case <-ctx.Done():
			b.drain()
			b.emit(b.acc.SealAll(b.now()))
			return
		case <-b.queue.Ready():
			b.drain()
		case <-ticker.C:
			b.emit(b.acc.Expire(b.now()))
		case ack := <-b.flushChan:
			b.drain()
			b.emit(b.acc.SealAll(b.now()))
			close(ack)
		case <-b.flushSignal:
			b.drain()
			b.emit(b.acc.SealAll(b.now()))
		}
	}
}

// Flush drains the queue and seals every open batch. It returns once the
// sealed batches have been handed to the sink, not once they are sent.
func (b *Batcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushChan <- ack:
	case <-b.doneChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestFlush asks the loop to flush without waiting for it. Requests made
// before the loop picks one up are coalesced.
func (b *Batcher) RequestFlush() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

// Wait waits for Start to return.
func (b *Batcher) Wait() {
	<-b.doneChan
}

// drain moves every queued record into the accumulator, in chunks so that
// full batches are sealed and submitted while the rest is still queued.
func (b *Batcher) drain() {
	for {
		recs := b.queue.Drain(b.limits.MaxRecords)
		b.stats.SetQueueLength(b.queue.Len())
		if len(recs) == 0 {
			return
		}
		now := b.now()
		for _, rec := range recs {
			b.add(rec, now)
		}
	}
}

func (b *Batcher) add(rec record.Record, now time.Time) {
	encoder.Prepare(&rec)
	err := encoder.Check(&rec)
	size := encoder.RecordSize(&rec)
	if err == nil && size > encoder.MaxLogSize {
		err = encoder.ErrLogSize
	}
	if err != nil {
		b.logger.Warn("log dropped", logging.F(
			"stream", rec.Key().String(),
			"error", err.Error(),
		))
		b.stats.RecordsDropped(stats.ReasonRecordLimit, 1)
		b.onReject(rec)
		return
	}
	b.emit(b.acc.Add(rec, size, now))
}

func (b *Batcher) emit(sealed []*record.Batch) {
	for _, batch := range sealed {
		b.stats.BatchSealed(string(batch.Trigger))
		b.logger.Debug("batch sealed", logging.F(
			"batch_id", batch.ID,
			"stream", batch.Key.String(),
			"trigger", string(batch.Trigger),
			"records", batch.Len(),
			"bytes", batch.ByteSize,
		))
		b.sink.Submit(batch)
	}
}
