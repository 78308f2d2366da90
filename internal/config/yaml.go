package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	Credentials CredentialsYAMLConfig `yaml:"credentials"`
	Destination DestinationYAMLConfig `yaml:"destination"`
	Input       InputYAMLConfig       `yaml:"input"`
	Queue       QueueYAMLConfig       `yaml:"queue"`
	Sampling    SamplingYAMLConfig    `yaml:"sampling"`
	Retry       RetryYAMLConfig       `yaml:"retry"`
	Exporter    ExporterYAMLConfig    `yaml:"exporter"`
	Logging     LoggingYAMLConfig     `yaml:"logging"`
	Metrics     MetricsYAMLConfig     `yaml:"metrics"`
	Memory      MemoryYAMLConfig      `yaml:"memory"`
}

// CredentialsYAMLConfig holds the access key pair. Empty values fall back to
// KLOG_ACCESS_KEY and KLOG_SECRET_KEY.
type CredentialsYAMLConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// DestinationYAMLConfig names the stream every line is shipped to.
type DestinationYAMLConfig struct {
	Project string `yaml:"project"`
	Pool    string `yaml:"pool"`
}

// InputYAMLConfig lists the inputs. "-" is stdin.
type InputYAMLConfig struct {
	Files []string `yaml:"files"`
	// JSON pushes lines holding a JSON object as structured records.
	JSON bool `yaml:"json"`
}

// QueueYAMLConfig holds ingest queue configuration.
type QueueYAMLConfig struct {
	Size         int  `yaml:"size"`
	DropWhenFull bool `yaml:"drop_when_full"`
}

// SamplingYAMLConfig holds admission control configuration.
type SamplingYAMLConfig struct {
	RateLimit      int      `yaml:"rate_limit"`
	DownSampleRate *float64 `yaml:"down_sample_rate"`
}

// RetryYAMLConfig holds retry configuration. A zero interval selects
// exponential backoff.
type RetryYAMLConfig struct {
	MaxRetries *int     `yaml:"max_retries"`
	Interval   Duration `yaml:"interval"`
}

// ExporterYAMLConfig holds transport configuration.
type ExporterYAMLConfig struct {
	Compression string               `yaml:"compression"`
	Timeout     Duration             `yaml:"timeout"`
	Concurrency int                  `yaml:"concurrency"`
	TLS         TLSClientYAMLConfig  `yaml:"tls"`
	HTTPClient  HTTPClientYAMLConfig `yaml:"http_client"`
}

// HTTPClientYAMLConfig holds HTTP client connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// TLSClientYAMLConfig holds TLS client configuration.
type TLSClientYAMLConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// LoggingYAMLConfig holds the shipper's own log configuration.
type LoggingYAMLConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsYAMLConfig holds the Prometheus endpoint configuration.
type MetricsYAMLConfig struct {
	Address string `yaml:"address"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0).
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	d := DefaultConfig()

	if y.ShutdownTimeout == 0 {
		y.ShutdownTimeout = Duration(d.ShutdownTimeout)
	}
	if len(y.Input.Files) == 0 {
		y.Input.Files = d.Inputs
	}
	if y.Queue.Size == 0 {
		y.Queue.Size = d.QueueSize
	}
	if y.Sampling.DownSampleRate == nil {
		rate := d.DownSampleRate
		y.Sampling.DownSampleRate = &rate
	}
	if y.Retry.MaxRetries == nil {
		retries := d.MaxRetries
		y.Retry.MaxRetries = &retries
	}
	if y.Exporter.Compression == "" {
		y.Exporter.Compression = d.Compression
	}
	if y.Exporter.Timeout == 0 {
		y.Exporter.Timeout = Duration(d.RequestTimeout)
	}
	if y.Logging.Level == "" {
		y.Logging.Level = d.LogLevel
	}
	if y.Logging.MaxSizeMB == 0 {
		y.Logging.MaxSizeMB = d.LogMaxSizeMB
	}
	if y.Logging.MaxBackups == 0 {
		y.Logging.MaxBackups = d.LogMaxBackups
	}
	if y.Memory.LimitRatio == 0 {
		y.Memory.LimitRatio = d.MemoryLimitRatio
	}
}

// ToConfig converts YAMLConfig to the flat Config struct.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := &Config{
		Endpoint:  y.Endpoint,
		AccessKey: y.Credentials.AccessKey,
		SecretKey: y.Credentials.SecretKey,

		Project: y.Destination.Project,
		Pool:    y.Destination.Pool,

		Inputs: append([]string(nil), y.Input.Files...),
		JSON:   y.Input.JSON,

		QueueSize:           y.Queue.Size,
		DropWhenQueueIsFull: y.Queue.DropWhenFull,

		RateLimit: y.Sampling.RateLimit,

		RetryInterval: time.Duration(y.Retry.Interval),

		Compression:    y.Exporter.Compression,
		RequestTimeout: time.Duration(y.Exporter.Timeout),
		Concurrency:    y.Exporter.Concurrency,
		TLSCAFile:      y.Exporter.TLS.CAFile,
		TLSSkipVerify:  y.Exporter.TLS.InsecureSkipVerify,
		TLSServerName:  y.Exporter.TLS.ServerName,

		ExporterMaxIdleConns:         y.Exporter.HTTPClient.MaxIdleConns,
		ExporterMaxIdleConnsPerHost:  y.Exporter.HTTPClient.MaxIdleConnsPerHost,
		ExporterMaxConnsPerHost:      y.Exporter.HTTPClient.MaxConnsPerHost,
		ExporterIdleConnTimeout:      time.Duration(y.Exporter.HTTPClient.IdleConnTimeout),
		ExporterHTTP2ReadIdleTimeout: time.Duration(y.Exporter.HTTPClient.HTTP2ReadIdleTimeout),
		ExporterHTTP2PingTimeout:     time.Duration(y.Exporter.HTTPClient.HTTP2PingTimeout),

		LogLevel:      y.Logging.Level,
		LogFile:       y.Logging.File,
		LogMaxSizeMB:  y.Logging.MaxSizeMB,
		LogMaxBackups: y.Logging.MaxBackups,
		LogMaxAgeDays: y.Logging.MaxAgeDays,

		MetricsAddr:      y.Metrics.Address,
		MemoryLimitRatio: y.Memory.LimitRatio,
		ShutdownTimeout:  time.Duration(y.ShutdownTimeout),
	}
	if y.Sampling.DownSampleRate != nil {
		cfg.DownSampleRate = *y.Sampling.DownSampleRate
	}
	if y.Retry.MaxRetries != nil {
		cfg.MaxRetries = *y.Retry.MaxRetries
	}
	return cfg
}
