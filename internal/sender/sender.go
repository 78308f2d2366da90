// Package sender delivers sealed batches with retry and backoff.
//
// Each (project, pool) pair gets its own lane goroutine so batches of one
// stream are delivered in seal order, while independent streams proceed in
// parallel under a shared ConcurrencyLimiter.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/klogsdk/klog-go/internal/encoder"
	"github.com/klogsdk/klog-go/internal/exporter"
	"github.com/klogsdk/klog-go/internal/logging"
	"github.com/klogsdk/klog-go/internal/record"
	"github.com/klogsdk/klog-go/internal/stats"
)

// DefaultLaneBuffer is the number of sealed batches a lane holds before
// Submit blocks.
const DefaultLaneBuffer = 16

// Config holds sender settings.
type Config struct {
	Policy      Policy
	Concurrency int
	LaneBuffer  int
}

// DoneFunc is called once per batch when it reaches a terminal state.
type DoneFunc func(b *record.Batch)

// Sender owns the delivery lanes.
type Sender struct {
	exp     exporter.Exporter
	enc     *encoder.Encoder
	policy  Policy
	limiter *ConcurrencyLimiter
	logger  *logging.Logger
	stats   *stats.Collector
	onDone  DoneFunc
	bufSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[record.Key]chan *record.Batch
	hurry  chan struct{}
	closed bool

	// sendMu orders Submit's channel sends against Close's channel closes.
	sendMu sync.RWMutex

	wg sync.WaitGroup
}

// New creates a Sender. onDone may be nil.
func New(cfg Config, exp exporter.Exporter, enc *encoder.Encoder, logger *logging.Logger, st *stats.Collector, onDone DoneFunc) *Sender {
	if logger == nil {
		logger = logging.Discard()
	}
	if st == nil {
		st, _ = stats.New(nil)
	}
	if onDone == nil {
		onDone = func(*record.Batch) {}
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	limiter := NewConcurrencyLimiter(cfg.Concurrency)
	st.TrackRequestsInFlight(limiter.InUse)
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		exp:     exp,
		enc:     enc,
		policy:  cfg.Policy,
		limiter: limiter,
		logger:  logger,
		stats:   st,
		onDone:  onDone,
		bufSize: cfg.LaneBuffer,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[record.Key]chan *record.Batch),
		hurry:   make(chan struct{}),
	}
}

// Submit hands a sealed batch to its lane. It blocks while the lane is
// full. After Close the batch is dropped.
func (s *Sender) Submit(b *record.Batch) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	lane := s.lane(b.Key)
	if lane == nil {
		s.drop(b, stats.ReasonShutdown)
		return
	}
	lane <- b
}

func (s *Sender) lane(k record.Key) chan *record.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	lane, ok := s.lanes[k]
	if !ok {
		lane = make(chan *record.Batch, s.bufSize)
		s.lanes[k] = lane
		s.wg.Add(1)
		go s.run(lane)
	}
	return lane
}

// Hurry wakes every batch currently waiting out a backoff delay so it is
// retried immediately. Batches that start waiting later are unaffected.
func (s *Sender) Hurry() {
	s.mu.Lock()
	close(s.hurry)
	s.hurry = make(chan struct{})
	s.mu.Unlock()
}

func (s *Sender) hurryChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hurry
}

// Close cancels in-flight requests and backoff waits, drops every batch
// still queued in a lane and waits for the lanes to exit.
func (s *Sender) Close() {
	s.cancel()

	s.sendMu.Lock()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, lane := range s.lanes {
			close(lane)
		}
	}
	s.mu.Unlock()
	s.sendMu.Unlock()

	s.wg.Wait()
}

func (s *Sender) run(lane <-chan *record.Batch) {
	defer s.wg.Done()
	for b := range lane {
		s.deliver(b)
	}
}

func (s *Sender) deliver(b *record.Batch) {
	if s.ctx.Err() != nil {
		s.drop(b, stats.ReasonShutdown)
		return
	}

	payload, rawSize, err := s.enc.Encode(b)
	if err != nil {
		s.logger.Error("batch dropped, encoding failed", logging.F(
			"batch_id", b.ID,
			"stream", b.Key.String(),
			"records", b.Len(),
			"error", err.Error(),
		))
		s.drop(b, stats.ReasonEncoding)
		return
	}

	req := &exporter.Request{
		Project:     b.Key.Project,
		Pool:        b.Key.Pool,
		BatchID:     b.ID,
		Payload:     payload,
		RawSize:     rawSize,
		Compression: s.enc.Compression(),
	}

	var state RetryState
	for {
		if err := s.limiter.Acquire(s.ctx); err != nil {
			s.drop(b, stats.ReasonShutdown)
			return
		}
		state.Attempt++
		s.stats.SendAttempt()
		err := s.exp.Export(s.ctx, req)
		s.limiter.Release()

		if err == nil {
			b.State = record.StateSent
			s.stats.BatchSent(b.Len(), len(payload), string(req.Compression))
			s.logger.Debug("batch sent", logging.F(
				"batch_id", b.ID,
				"stream", b.Key.String(),
				"records", b.Len(),
				"bytes", len(payload),
				"attempt", state.Attempt,
			))
			s.onDone(b)
			return
		}

		errType := exporter.TypeOf(err)
		s.stats.SendError(string(errType))

		if errType == exporter.ErrorTypeCanceled || s.ctx.Err() != nil {
			s.logger.Error("batch dropped, sender closed", logging.F(
				"batch_id", b.ID,
				"stream", b.Key.String(),
				"records", b.Len(),
				"attempt", state.Attempt,
			))
			s.drop(b, stats.ReasonShutdown)
			return
		}

		if !exporter.IsRetryable(err) {
			fields := logging.F(
				"batch_id", b.ID,
				"stream", b.Key.String(),
				"records", b.Len(),
				"error", err.Error(),
				"error_type", string(errType),
			)
			var exportErr *exporter.ExportError
			if errors.As(err, &exportErr) && exportErr.Message != "" {
				fields["response"] = exportErr.Message
			}
			s.logger.Error("batch dropped, non-retryable error", fields)
			s.drop(b, stats.ReasonFatal)
			return
		}

		next, ok := s.policy.Next(state)
		if !ok {
			s.logger.Error("batch dropped, max retries reached", logging.F(
				"batch_id", b.ID,
				"stream", b.Key.String(),
				"records", b.Len(),
				"attempts", state.Attempt,
				"error", err.Error(),
			))
			s.drop(b, stats.ReasonRetries)
			return
		}
		state = next
		b.State = record.StateRetrying

		s.logger.Warn("send failed, retrying", logging.F(
			"batch_id", b.ID,
			"stream", b.Key.String(),
			"attempt", state.Attempt,
			"delay", state.NextDelay.String(),
			"error", err.Error(),
			"error_type", string(errType),
		))
		s.stats.RetryDelay(state.NextDelay.Seconds())

		if !s.wait(state.NextDelay) {
			s.drop(b, stats.ReasonShutdown)
			return
		}
	}
}

// wait sleeps for d but wakes up early on Hurry. It returns false when the
// sender is closed.
func (s *Sender) wait(d time.Duration) bool {
	hurry := s.hurryChan()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-hurry:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Sender) drop(b *record.Batch, reason string) {
	b.State = record.StateDropped
	s.stats.BatchDropped(reason, b.Len())
	s.onDone(b)
}
