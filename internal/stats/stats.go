// Package stats tracks pipeline counters for one client instance and exposes
// them as Prometheus metrics on a per-client registerer.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for records and batches.
const (
	ReasonQueueFull   = "queue_full"
	ReasonRecordLimit = "record_limit"
	ReasonEncoding    = "encoding"
	ReasonFatal       = "fatal"
	ReasonRetries     = "retries_exhausted"
	ReasonShutdown    = "shutdown"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RecordsAdmitted   uint64
	RecordsSampledOut uint64
	RecordsDropped    uint64
	RecordsSent       uint64
	BatchesSealed     uint64
	BatchesSent       uint64
	BatchesDropped    uint64
	SendAttempts      uint64
	SendErrors        uint64
	BytesSent         uint64
	QueueLength       int64
	RequestsInFlight  int64
}

// Collector records pipeline events.
type Collector struct {
	recordsAdmitted   atomic.Uint64
	recordsSampledOut atomic.Uint64
	recordsDropped    atomic.Uint64
	recordsSent       atomic.Uint64
	batchesSealed     atomic.Uint64
	batchesSent       atomic.Uint64
	batchesDropped    atomic.Uint64
	sendAttempts      atomic.Uint64
	sendErrors        atomic.Uint64
	bytesSent         atomic.Uint64
	queueLength       atomic.Int64
	inFlight          atomic.Pointer[func() int]

	admitted       prometheus.Counter
	sampledOut     prometheus.Counter
	droppedRecords *prometheus.CounterVec
	sentRecords    prometheus.Counter
	sealed         *prometheus.CounterVec
	sent           prometheus.Counter
	droppedBatches *prometheus.CounterVec
	attempts       prometheus.Counter
	errorsByType   *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	retryDelay     prometheus.Histogram
}

// New creates a Collector and registers its metrics with reg. A nil reg
// keeps the metrics unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klog_records_admitted_total",
			Help: "Records accepted into the ingest queue",
		}),
		sampledOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klog_records_sampled_out_total",
			Help: "Records discarded by down-sampling",
		}),
		droppedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klog_records_dropped_total",
			Help: "Records dropped before or during delivery, by reason",
		}, []string{"reason"}),
		sentRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klog_records_sent_total",
			Help: "Records delivered to the endpoint",
		}),
		sealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klog_batches_sealed_total",
			Help: "Batches sealed, by trigger",
		}, []string{"trigger"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klog_batches_sent_total",
			Help: "Batches delivered to the endpoint",
		}),
		droppedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klog_batches_dropped_total",
			Help: "Batches dropped, by reason",
		}, []string{"reason"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klog_send_attempts_total",
			Help: "PutLogs requests issued, including retries",
		}),
		errorsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klog_send_errors_total",
			Help: "Failed PutLogs requests, by error type",
		}, []string{"error_type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klog_bytes_sent_total",
			Help: "Payload bytes delivered, by compression",
		}, []string{"compression"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klog_retry_delay_seconds",
			Help:    "Backoff delay applied before a retry",
			Buckets: []float64{0.1, 0.5, 1, 2, 4, 8, 16, 32, 60},
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			c.admitted, c.sampledOut, c.droppedRecords, c.sentRecords,
			c.sealed, c.sent, c.droppedBatches, c.attempts, c.errorsByType,
			c.bytes, c.retryDelay,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "klog_queue_length",
				Help: "Records currently waiting in the ingest queue",
			}, func() float64 { return float64(c.queueLength.Load()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "klog_requests_in_flight",
				Help: "PutLogs requests currently holding a concurrency slot",
			}, func() float64 { return float64(c.requestsInFlight()) }),
		}
		for _, col := range collectors {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// RecordAdmitted counts a record accepted into the queue.
func (c *Collector) RecordAdmitted() {
	c.recordsAdmitted.Add(1)
	c.admitted.Inc()
}

// RecordSampledOut counts a record discarded by down-sampling.
func (c *Collector) RecordSampledOut() {
	c.recordsSampledOut.Add(1)
	c.sampledOut.Inc()
}

// RecordsDropped counts n records dropped for reason.
func (c *Collector) RecordsDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	c.recordsDropped.Add(uint64(n))
	c.droppedRecords.WithLabelValues(reason).Add(float64(n))
}

// BatchSealed counts a sealed batch.
func (c *Collector) BatchSealed(trigger string) {
	c.batchesSealed.Add(1)
	c.sealed.WithLabelValues(trigger).Inc()
}

// SendAttempt counts one request.
func (c *Collector) SendAttempt() {
	c.sendAttempts.Add(1)
	c.attempts.Inc()
}

// SendError counts one failed request.
func (c *Collector) SendError(errType string) {
	c.sendErrors.Add(1)
	c.errorsByType.WithLabelValues(errType).Inc()
}

// RetryDelay observes a backoff wait.
func (c *Collector) RetryDelay(seconds float64) {
	c.retryDelay.Observe(seconds)
}

// BatchSent counts a delivered batch of records and payload bytes.
func (c *Collector) BatchSent(records, payloadBytes int, compression string) {
	c.batchesSent.Add(1)
	c.sent.Inc()
	c.recordsSent.Add(uint64(records))
	c.sentRecords.Add(float64(records))
	c.bytesSent.Add(uint64(payloadBytes))
	c.bytes.WithLabelValues(compression).Add(float64(payloadBytes))
}

// BatchDropped counts a dropped batch and its records.
func (c *Collector) BatchDropped(reason string, records int) {
	c.batchesDropped.Add(1)
	c.droppedBatches.WithLabelValues(reason).Inc()
	c.RecordsDropped(reason, records)
}

// SetQueueLength updates the queue length gauge.
func (c *Collector) SetQueueLength(n int) {
	c.queueLength.Store(int64(n))
}

// TrackRequestsInFlight sets the source read by the in-flight request gauge.
func (c *Collector) TrackRequestsInFlight(fn func() int) {
	c.inFlight.Store(&fn)
}

func (c *Collector) requestsInFlight() int64 {
	if fn := c.inFlight.Load(); fn != nil {
		return int64((*fn)())
	}
	return 0
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		RecordsAdmitted:   c.recordsAdmitted.Load(),
		RecordsSampledOut: c.recordsSampledOut.Load(),
		RecordsDropped:    c.recordsDropped.Load(),
		RecordsSent:       c.recordsSent.Load(),
		BatchesSealed:     c.batchesSealed.Load(),
		BatchesSent:       c.batchesSent.Load(),
		BatchesDropped:    c.batchesDropped.Load(),
		SendAttempts:      c.sendAttempts.Load(),
		SendErrors:        c.sendErrors.Load(),
		BytesSent:         c.bytesSent.Load(),
		QueueLength:       c.queueLength.Load(),
		RequestsInFlight:  c.requestsInFlight(),
	}
}
