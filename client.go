package klog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klogsdk/klog-go/internal/batcher"
	"github.com/klogsdk/klog-go/internal/compression"
	"github.com/klogsdk/klog-go/internal/encoder"
	"github.com/klogsdk/klog-go/internal/exporter"
	"github.com/klogsdk/klog-go/internal/flush"
	"github.com/klogsdk/klog-go/internal/logging"
	"github.com/klogsdk/klog-go/internal/queue"
	"github.com/klogsdk/klog-go/internal/record"
	"github.com/klogsdk/klog-go/internal/sampling"
	"github.com/klogsdk/klog-go/internal/sender"
	"github.com/klogsdk/klog-go/internal/stats"
)

var (
	// ErrClosed is returned by push operations after Close.
	ErrClosed = errors.New("klog: client closed")
	// ErrEmptyName is returned when a project or pool name is blank.
	ErrEmptyName = errors.New("klog: project and pool names are required")
)

// Field is one key/value pair of a structured record.
type Field = record.Field

// Record is a log record with an explicit timestamp. Set Message for an
// unstructured record or Fields for a structured one.
type Record = record.Record

// Snapshot is a point-in-time copy of the client's counters.
type Snapshot = stats.Snapshot

// Client ships records to the log service. It is safe for concurrent use.
type Client struct {
	cfg      Config
	logger   *logging.Logger
	registry *prometheus.Registry
	stats    *stats.Collector

	sampler  *sampling.Sampler
	queue    *queue.Queue
	tracker  *flush.Tracker
	batcher  *batcher.Batcher
	sender   *sender.Sender
	exporter *exporter.HTTPExporter
	codec    *compression.Codec

	closed atomic.Bool

	pushCtx     context.Context
	cancelPush  context.CancelFunc
	stopBatcher context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New creates a client for endpoint with a static key pair.
func New(endpoint, accessKey, secretKey string, opts ...Option) (*Client, error) {
	cfg := DefaultConfig(endpoint, accessKey, secretKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a client from cfg. Zero QueueSize, DownSampleRate,
// Compression and LogLevel take their defaults.
func NewWithConfig(cfg Config) (*Client, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DownSampleRate == 0 {
		cfg.DownSampleRate = DefaultDownSampleRate
	}
	if cfg.Compression == "" {
		cfg.Compression = string(compression.TypeLZ4)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, registry: prometheus.NewRegistry()}

	level, _ := logging.ParseLevel(string(cfg.LogLevel))
	if cfg.LogSink != nil {
		c.logger = logging.NewWithSink(cfg.LogSink, level)
	} else {
		c.logger = logging.New(cfg.LogOutput, level)
	}
	c.logger.SetResource(map[string]string{"service.name": "klog-go"})

	var err error
	if c.stats, err = stats.New(c.registry); err != nil {
		return nil, err
	}

	var samplerOpts []sampling.Option
	if cfg.RandSource != nil {
		samplerOpts = append(samplerOpts, sampling.WithSource(cfg.RandSource))
	}
	if c.sampler, err = sampling.New(sampling.Config{DownSampleRate: cfg.DownSampleRate, RateLimit: cfg.RateLimit}, samplerOpts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.queue, err = queue.New(cfg.QueueSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	compType, _ := compression.ParseType(cfg.Compression)
	if c.codec, err = compression.New(compression.Config{Type: compType}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.exporter, err = exporter.New(exporter.Config{
		Endpoint:    cfg.Endpoint,
		Credentials: cfg.credentials(),
		Timeout:     cfg.RequestTimeout,
		TLS:         cfg.TLS,
		HTTPClient:  cfg.HTTPClient,
	})
	if err != nil {
		c.codec.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.tracker = flush.NewTracker()
	c.sender = sender.New(sender.Config{
		Policy:      sender.Policy{MaxRetries: cfg.MaxRetries, RetryInterval: cfg.RetryInterval},
		Concurrency: cfg.Concurrency,
	}, c.exporter, encoder.New(c.codec), c.logger, c.stats, func(b *record.Batch) {
		c.tracker.Done(b.Epochs())
	})

	batcherOpts := []batcher.Option{
		batcher.WithLogger(c.logger),
		batcher.WithStats(c.stats),
		batcher.WithRejectHook(func(rec record.Record) { c.tracker.DoneOne(rec.Epoch()) }),
		batcher.WithLimits(cfg.batchLimits),
	}
	if cfg.tickInterval > 0 {
		batcherOpts = append(batcherOpts, batcher.WithTickInterval(cfg.tickInterval))
	}
	c.batcher = batcher.New(c.queue, c.sender, batcherOpts...)

	c.pushCtx, c.cancelPush = context.WithCancel(context.Background())
	var batcherCtx context.Context
	batcherCtx, c.stopBatcher = context.WithCancel(context.Background())
	go c.batcher.Start(batcherCtx)

	c.logger.Debug("client started", logging.F(
		"endpoint", c.exporter.Endpoint(),
		"queue_size", cfg.QueueSize,
		"compression", string(compType),
	))
	return c, nil
}

// Push ships an unstructured message.
func (c *Client) Push(project, pool, message string) error {
	return c.PushRecord(Record{Project: project, Pool: pool, Message: message})
}

// PushFields ships a structured record. Field order is preserved.
func (c *Client) PushFields(project, pool string, fields ...Field) error {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return c.PushRecord(Record{Project: project, Pool: pool, Fields: cp})
}

// PushRecord ships rec. A zero Timestamp is replaced by the current time.
// Delivery failures are never reported here; only a closed client and
// blank names are errors. The call may block on rate limiting or, unless
// DropWhenQueueIsFull is set, on a full queue.
func (c *Client) PushRecord(rec Record) error {
	if c.closed.Load() {
		return ErrClosed
	}
	rec.Project = strings.TrimSpace(rec.Project)
	rec.Pool = strings.TrimSpace(rec.Pool)
	if rec.Project == "" || rec.Pool == "" {
		return ErrEmptyName
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	ok, err := c.sampler.Admit(c.pushCtx)
	if err != nil {
		return ErrClosed
	}
	if !ok {
		c.stats.RecordSampledOut()
		return nil
	}

	// A record stamped just before a flush begins but enqueued after the
	// batcher drained is sealed by the age trigger instead.
	epoch := c.tracker.Admit()
	rec.SetEpoch(epoch)
	switch err := c.queue.Enqueue(rec, !c.cfg.DropWhenQueueIsFull); {
	case err == nil:
		c.stats.RecordAdmitted()
		return nil
	case errors.Is(err, queue.ErrFull):
		c.tracker.DoneOne(epoch)
		c.stats.RecordsDropped(stats.ReasonQueueFull, 1)
		return nil
	default:
		c.tracker.DoneOne(epoch)
		return ErrClosed
	}
}

// Flush seals every pending batch and waits until every record pushed
// before the call has been sent or dropped. It returns false if ctx ends
// first; the remaining work continues in the background.
func (c *Client) Flush(ctx context.Context) bool {
	epoch := c.tracker.Begin()
	if err := c.batcher.Flush(ctx); err != nil && !errors.Is(err, batcher.ErrStopped) {
		return false
	}
	c.sender.Hurry()
	return c.tracker.Wait(ctx, epoch)
}

// FlushTimeout is Flush with a timeout. A negative timeout waits without
// limit; zero starts the flush and returns at once, reporting whether
// nothing was pending.
func (c *Client) FlushTimeout(timeout time.Duration) bool {
	switch {
	case timeout < 0:
		return c.Flush(context.Background())
	case timeout == 0:
		epoch := c.tracker.Begin()
		if !c.closed.Load() {
			c.batcher.RequestFlush()
			c.sender.Hurry()
		}
		return c.tracker.Outstanding(epoch) == 0
	default:
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return c.Flush(ctx)
	}
}

// Close stops admission, flushes within ctx and releases every goroutine.
// Batches still pending when ctx ends are dropped and the context error is
// returned. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancelPush()
		c.queue.Close()

		flushed := c.Flush(ctx)
		pending := c.tracker.Outstanding(^uint64(0))

		c.stopBatcher()
		c.sender.Close()
		c.batcher.Wait()

		_ = c.exporter.Close()
		c.codec.Close()

		if !flushed {
			c.logger.Error("client closed before flush completed", logging.F("pending_records", pending))
			c.closeErr = fmt.Errorf("klog: close: %w", ctx.Err())
			return
		}
		c.logger.Debug("client closed")
	})
	return c.closeErr
}

// Stats returns the client's counters.
func (c *Client) Stats() Snapshot {
	c.stats.SetQueueLength(c.queue.Len())
	return c.stats.Snapshot()
}

// Registry returns the client's Prometheus registry.
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Endpoint returns the normalized endpoint.
func (c *Client) Endpoint() string {
	return c.exporter.Endpoint()
}
