package klog

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/klogsdk/klog-go/internal/auth"
	"github.com/klogsdk/klog-go/internal/batcher"
	"github.com/klogsdk/klog-go/internal/compression"
	"github.com/klogsdk/klog-go/internal/exporter"
	"github.com/klogsdk/klog-go/internal/logging"
	"github.com/klogsdk/klog-go/internal/queue"
	"github.com/klogsdk/klog-go/internal/sender"
)

// Defaults.
const (
	DefaultQueueSize      = 2000
	DefaultDownSampleRate = 1.0

	// UnlimitedRetries retries transient failures forever.
	UnlimitedRetries = sender.Unlimited
	// AdaptiveRetryInterval backs off from 1s, doubling up to 60s.
	AdaptiveRetryInterval = sender.Exponential
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("klog: invalid config")

// Credentials supplies access keys for every request. Implement it to rotate
// keys without recreating the client.
type Credentials = auth.Provider

// CredentialPair is an access/secret key pair.
type CredentialPair = auth.Credentials

// TLSConfig holds TLS settings for https endpoints.
type TLSConfig = exporter.TLSConfig

// HTTPClientConfig holds connection pool settings for the transport.
type HTTPClientConfig = exporter.HTTPClientConfig

// LogSink receives the client's own diagnostics.
type LogSink = logging.Sink

// LogLevel is the severity of a diagnostic.
type LogLevel = logging.Level

// Diagnostic levels.
const (
	LevelDebug = logging.LevelDebug
	LevelInfo  = logging.LevelInfo
	LevelWarn  = logging.LevelWarn
	LevelError = logging.LevelError
)

// Config is the full client configuration. Start from DefaultConfig; the
// zero value is not usable as is.
type Config struct {
	// Endpoint is http://host, https://host or a bare host (https).
	Endpoint  string
	AccessKey string
	SecretKey string
	// Credentials, when set, replaces AccessKey and SecretKey.
	Credentials Credentials

	// QueueSize bounds the ingest queue, 1..1_000_000.
	QueueSize int
	// DropWhenQueueIsFull discards records on a full queue instead of
	// blocking the caller.
	DropWhenQueueIsFull bool
	// RateLimit is the number of records admitted per second; 0 is unlimited.
	RateLimit int
	// DownSampleRate is the probability in (0, 1] that a record is kept.
	DownSampleRate float64

	// MaxRetries is the number of retries after a failed request;
	// UnlimitedRetries never gives up on transient errors.
	MaxRetries int
	// RetryInterval > 0 is a fixed delay between retries. Zero or
	// AdaptiveRetryInterval selects exponential backoff.
	RetryInterval time.Duration

	// Compression is one of lz4 (default), zstd, gzip or none.
	Compression string
	// RequestTimeout bounds a single request. Zero means 30s.
	RequestTimeout time.Duration
	// Concurrency bounds requests in flight across all streams.
	Concurrency int
	TLS         TLSConfig
	// HTTPClient tunes connection pooling. Zero values take the transport
	// defaults.
	HTTPClient HTTPClientConfig

	// LogLevel filters the client's diagnostics. Default WARN.
	LogLevel LogLevel
	// LogOutput receives JSON diagnostics when LogSink is nil. Default stdout.
	LogOutput io.Writer
	// LogSink replaces the JSON writer.
	LogSink LogSink

	// RandSource drives down-sampling. Nil uses a random seed.
	RandSource rand.Source

	batchLimits  batcher.Limits
	tickInterval time.Duration
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig(endpoint, accessKey, secretKey string) Config {
	return Config{
		Endpoint:       endpoint,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		QueueSize:      DefaultQueueSize,
		DownSampleRate: DefaultDownSampleRate,
		MaxRetries:     UnlimitedRetries,
		RetryInterval:  AdaptiveRetryInterval,
		Compression:    string(compression.TypeLZ4),
		LogLevel:       LevelWarn,
	}
}

// Validate checks cfg and returns an error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	if _, err := exporter.NormalizeEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Credentials == nil {
		if _, err := auth.NewStatic(c.AccessKey, c.SecretKey).Credentials(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.QueueSize < queue.MinSize || c.QueueSize > queue.MaxSize {
		return fmt.Errorf("%w: queue size %d out of range [%d, %d]", ErrInvalidConfig, c.QueueSize, queue.MinSize, queue.MaxSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	if c.DownSampleRate <= 0 || c.DownSampleRate > 1 {
		return fmt.Errorf("%w: down sample rate %v out of range (0, 1]", ErrInvalidConfig, c.DownSampleRate)
	}
	if c.MaxRetries < UnlimitedRetries {
		return fmt.Errorf("%w: max retries must be >= -1", ErrInvalidConfig)
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := logging.ParseLevel(string(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// credentials returns the configured provider.
func (c Config) credentials() Credentials {
	if c.Credentials != nil {
		return c.Credentials
	}
	return auth.NewStatic(c.AccessKey, c.SecretKey)
}

// Option customizes the configuration built by New.
type Option func(*Config)

// WithQueueSize sets the ingest queue bound.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithDropWhenQueueIsFull drops records instead of blocking on a full queue.
func WithDropWhenQueueIsFull(drop bool) Option {
	return func(c *Config) { c.DropWhenQueueIsFull = drop }
}

// WithRateLimit caps admissions per second.
func WithRateLimit(perSecond int) Option {
	return func(c *Config) { c.RateLimit = perSecond }
}

// WithDownSampleRate keeps each record with probability rate.
func WithDownSampleRate(rate float64) Option {
	return func(c *Config) { c.DownSampleRate = rate }
}

// WithMaxRetries sets the retry budget per batch.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryInterval sets a fixed retry delay.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Config) { c.RetryInterval = d }
}

// WithCompression selects the payload compression.
func WithCompression(name string) Option {
	return func(c *Config) { c.Compression = name }
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithConcurrency bounds requests in flight.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithTLS sets TLS options for https endpoints.
func WithTLS(t TLSConfig) Option {
	return func(c *Config) { c.TLS = t }
}

// WithHTTPClient sets connection pool options.
func WithHTTPClient(h HTTPClientConfig) Option {
	return func(c *Config) { c.HTTPClient = h }
}

// WithCredentials replaces the static key pair with a provider.
func WithCredentials(p Credentials) Option {
	return func(c *Config) { c.Credentials = p }
}

// WithLogLevel sets the diagnostics level.
func WithLogLevel(l LogLevel) Option {
	return func(c *Config) { c.LogLevel = l }
}

// WithLogOutput writes JSON diagnostics to w.
func WithLogOutput(w io.Writer) Option {
	return func(c *Config) { c.LogOutput = w }
}

// WithLogSink routes diagnostics to s.
func WithLogSink(s LogSink) Option {
	return func(c *Config) { c.LogSink = s }
}

// WithZapLogger routes diagnostics to a zap logger.
func WithZapLogger(l *zap.Logger) Option {
	return func(c *Config) { c.LogSink = logging.NewZapSink(l) }
}

// WithRandSource sets the down-sampling random source.
func WithRandSource(src rand.Source) Option {
	return func(c *Config) { c.RandSource = src }
}
