// Package config builds the klog-ship configuration from a YAML file,
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	klog "github.com/klogsdk/klog-go"
)

var version = "dev"

// Environment variables consulted when no key is configured.
const (
	EnvAccessKey = "KLOG_ACCESS_KEY"
	EnvSecretKey = "KLOG_SECRET_KEY"
)

// Config holds the shipper configuration.
type Config struct {
	ConfigFile string

	Endpoint  string
	AccessKey string
	SecretKey string

	Project string
	Pool    string

	// Inputs are file paths; "-" is stdin.
	Inputs []string
	JSON   bool

	QueueSize           int
	DropWhenQueueIsFull bool
	RateLimit           int
	DownSampleRate      float64

	MaxRetries    int
	RetryInterval time.Duration

	Compression    string
	RequestTimeout time.Duration
	Concurrency    int
	TLSCAFile      string
	TLSSkipVerify  bool
	TLSServerName  string

	ExporterMaxIdleConns         int
	ExporterMaxIdleConnsPerHost  int
	ExporterMaxConnsPerHost      int
	ExporterIdleConnTimeout      time.Duration
	ExporterHTTP2ReadIdleTimeout time.Duration
	ExporterHTTP2PingTimeout     time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	MetricsAddr      string
	MemoryLimitRatio float64
	ShutdownTimeout  time.Duration

	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Inputs:           []string{"-"},
		QueueSize:        klog.DefaultQueueSize,
		DownSampleRate:   klog.DefaultDownSampleRate,
		MaxRetries:       klog.UnlimitedRetries,
		Compression:      "lz4",
		RequestTimeout:   30 * time.Second,
		LogLevel:         "warn",
		LogMaxSizeMB:     100,
		LogMaxBackups:    3,
		MemoryLimitRatio: 0.9,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewFlagSet registers every flag on a new set bound to cfg.
func NewFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("klog-ship", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVarP(&cfg.ConfigFile, "config", "c", "", "Path to YAML configuration file")

	fs.StringVar(&cfg.Endpoint, "endpoint", "", "Log service endpoint (host or URL)")
	fs.StringVar(&cfg.AccessKey, "access-key", "", "Access key (default $"+EnvAccessKey+")")
	fs.StringVar(&cfg.SecretKey, "secret-key", "", "Secret key (default $"+EnvSecretKey+")")

	fs.StringVarP(&cfg.Project, "project", "p", "", "Destination project")
	fs.StringVarP(&cfg.Pool, "pool", "l", "", "Destination log pool")

	fs.BoolVar(&cfg.JSON, "json", false, "Ship lines holding a JSON object as structured records")

	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Ingest queue capacity in records")
	fs.BoolVar(&cfg.DropWhenQueueIsFull, "drop-when-full", false, "Drop records instead of blocking on a full queue")
	fs.IntVar(&cfg.RateLimit, "rate-limit", 0, "Records admitted per second (0 = unlimited)")
	fs.Float64Var(&cfg.DownSampleRate, "down-sample-rate", cfg.DownSampleRate, "Probability in (0, 1] that a record is kept")

	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries per batch (-1 = unlimited)")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", 0, "Fixed retry delay (0 = exponential backoff)")

	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Payload compression: lz4, zstd, gzip or none")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", 0, "Requests in flight (0 = 2 x NumCPU)")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA certificate for server verification")
	fs.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", "", "Override server name for TLS verification")
	fs.IntVar(&cfg.ExporterMaxConnsPerHost, "max-conns-per-host", 0, "Connections to the endpoint (0 = unlimited)")
	fs.DurationVar(&cfg.ExporterIdleConnTimeout, "idle-conn-timeout", 0, "Idle keep-alive connection lifetime (0 = 90s)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Diagnostics level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Write diagnostics to a rotating file instead of stderr")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", cfg.LogMaxSizeMB, "Log file size in megabytes before rotation")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", cfg.LogMaxBackups, "Rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age", 0, "Days to keep rotated log files (0 = forever)")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty = disabled)")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Share of the container memory limit used for GOMEMLIMIT (0 = off)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed to flush on shutdown")

	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help message")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	return fs
}

// Parse builds the configuration from args. Values from the YAML file named
// by --config are overridden by flags set explicitly; positional arguments
// replace the input list.
func Parse(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := NewFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	if cfg.ShowHelp || cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.ConfigFile != "" {
		yamlCfg, err := LoadYAML(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", cfg.ConfigFile, err)
		}
		fileCfg := yamlCfg.ToConfig()
		fileCfg.ConfigFile = cfg.ConfigFile
		applyFlagOverrides(fs, fileCfg)
		cfg = fileCfg
	}

	if fs.NArg() > 0 {
		cfg.Inputs = fs.Args()
	}
	if cfg.AccessKey == "" {
		cfg.AccessKey = os.Getenv(EnvAccessKey)
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv(EnvSecretKey)
	}
	return cfg, cfg.Validate()
}

// applyFlagOverrides copies explicitly set flags onto cfg.
func applyFlagOverrides(fs *pflag.FlagSet, cfg *Config) {
	fs.Visit(func(f *pflag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = v
		case "access-key":
			cfg.AccessKey = v
		case "secret-key":
			cfg.SecretKey = v
		case "project":
			cfg.Project = v
		case "pool":
			cfg.Pool = v
		case "json":
			cfg.JSON, _ = fs.GetBool(f.Name)
		case "queue-size":
			cfg.QueueSize, _ = fs.GetInt(f.Name)
		case "drop-when-full":
			cfg.DropWhenQueueIsFull, _ = fs.GetBool(f.Name)
		case "rate-limit":
			cfg.RateLimit, _ = fs.GetInt(f.Name)
		case "down-sample-rate":
			cfg.DownSampleRate, _ = fs.GetFloat64(f.Name)
		case "max-retries":
			cfg.MaxRetries, _ = fs.GetInt(f.Name)
		case "retry-interval":
			cfg.RetryInterval, _ = fs.GetDuration(f.Name)
		case "compression":
			cfg.Compression = v
		case "request-timeout":
			cfg.RequestTimeout, _ = fs.GetDuration(f.Name)
		case "concurrency":
			cfg.Concurrency, _ = fs.GetInt(f.Name)
		case "tls-ca":
			cfg.TLSCAFile = v
		case "tls-skip-verify":
			cfg.TLSSkipVerify, _ = fs.GetBool(f.Name)
		case "tls-server-name":
			cfg.TLSServerName = v
		case "max-conns-per-host":
			cfg.ExporterMaxConnsPerHost, _ = fs.GetInt(f.Name)
		case "idle-conn-timeout":
			cfg.ExporterIdleConnTimeout, _ = fs.GetDuration(f.Name)
		case "log-level":
			cfg.LogLevel = v
		case "log-file":
			cfg.LogFile = v
		case "log-max-size":
			cfg.LogMaxSizeMB, _ = fs.GetInt(f.Name)
		case "log-max-backups":
			cfg.LogMaxBackups, _ = fs.GetInt(f.Name)
		case "log-max-age":
			cfg.LogMaxAgeDays, _ = fs.GetInt(f.Name)
		case "metrics-addr":
			cfg.MetricsAddr = v
		case "memory-limit-ratio":
			cfg.MemoryLimitRatio, _ = fs.GetFloat64(f.Name)
		case "shutdown-timeout":
			cfg.ShutdownTimeout, _ = fs.GetDuration(f.Name)
		}
	})
}

// Validate checks the shipper-specific settings and the client settings
// derived from them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project) == "" || strings.TrimSpace(c.Pool) == "" {
		return errors.New("project and pool are required")
	}
	if len(c.Inputs) == 0 {
		return errors.New("at least one input is required")
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		return fmt.Errorf("memory limit ratio %v out of range [0, 1]", c.MemoryLimitRatio)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	cc := c.ClientConfig()
	return cc.Validate()
}

// ClientConfig returns the client configuration. Logging destinations are
// left to the caller.
func (c *Config) ClientConfig() klog.Config {
	cc := klog.DefaultConfig(c.Endpoint, c.AccessKey, c.SecretKey)
	cc.QueueSize = c.QueueSize
	cc.DropWhenQueueIsFull = c.DropWhenQueueIsFull
	cc.RateLimit = c.RateLimit
	cc.DownSampleRate = c.DownSampleRate
	cc.MaxRetries = c.MaxRetries
	if c.RetryInterval > 0 {
		cc.RetryInterval = c.RetryInterval
	}
	cc.Compression = c.Compression
	cc.RequestTimeout = c.RequestTimeout
	cc.Concurrency = c.Concurrency
	cc.TLS = klog.TLSConfig{
		CAFile:             c.TLSCAFile,
		InsecureSkipVerify: c.TLSSkipVerify,
		ServerName:         c.TLSServerName,
	}
	cc.HTTPClient = klog.HTTPClientConfig{
		MaxIdleConns:         c.ExporterMaxIdleConns,
		MaxIdleConnsPerHost:  c.ExporterMaxIdleConnsPerHost,
		MaxConnsPerHost:      c.ExporterMaxConnsPerHost,
		IdleConnTimeout:      c.ExporterIdleConnTimeout,
		HTTP2ReadIdleTimeout: c.ExporterHTTP2ReadIdleTimeout,
		HTTP2PingTimeout:     c.ExporterHTTP2PingTimeout,
	}
	cc.LogLevel = klog.LogLevel(strings.ToUpper(c.LogLevel))
	return cc
}

// PrintUsage writes the help text to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, `klog-ship - ship log lines to a KLog endpoint

USAGE:
    klog-ship [OPTIONS] [FILE...]

DESCRIPTION:
    Reads log lines from the given files, or stdin when none or "-" is
    given, and ships each line as a record to one project and pool.
    Batches are flushed on EOF and on SIGINT/SIGTERM.

OPTIONS:
`)
	fs := NewFlagSet(DefaultConfig())
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintf(w, `
EXAMPLES:
    # Ship a file
    klog-ship --endpoint klog.example.com -p web -l access /var/log/access.log

    # Structured records from a JSON lines stream
    app | klog-ship -c klog-ship.yaml --json

    # Expose shipper metrics
    klog-ship -c klog-ship.yaml --metrics-addr :9090
`)
}

// PrintVersion writes the version line to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "klog-ship version %s\n", version)
}
