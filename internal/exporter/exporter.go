// Package exporter delivers encoded log groups to the PutLogs endpoint over
// HTTP and classifies failures for the retry logic.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/klogsdk/klog-go/internal/auth"
	"github.com/klogsdk/klog-go/internal/compression"
)

const (
	// APIVersion is sent in X-Klog-Api-Version.
	APIVersion = "0.2_go1.0"

	// PutLogsPath is the ingestion API path.
	PutLogsPath = "/PutLogs"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means 100.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host. Zero means 100.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself. Zero means 90s.
	IdleConnTimeout time.Duration
	// HTTP2ReadIdleTimeout is the timeout after which a health check using ping
	// frame will be carried out if no frame is received on the connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout is the timeout after which the connection will be closed
	// if a response to Ping is not received.
	HTTP2PingTimeout time.Duration
}

// TLSConfig holds TLS settings for https endpoints.
type TLSConfig struct {
	// CAFile is the path to the CA certificate file for server verification.
	CAFile string
	// InsecureSkipVerify skips server certificate verification.
	InsecureSkipVerify bool
	// ServerName overrides the server name for certificate verification.
	ServerName string
}

// Config holds the exporter configuration.
type Config struct {
	// Endpoint is the service address: http://host, https://host or a bare
	// host, which is treated as https.
	Endpoint string
	// Credentials sign every request.
	Credentials auth.Provider
	// Timeout is the per-request timeout. Zero means DefaultTimeout.
	Timeout time.Duration
	TLS     TLSConfig
	// HTTPClient configuration for HTTP connection pooling.
	HTTPClient HTTPClientConfig
	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Request is one PutLogs call.
type Request struct {
	Project     string
	Pool        string
	BatchID     string
	Payload     []byte
	RawSize     int
	Compression compression.Type
}

// Exporter sends log groups.
type Exporter interface {
	Export(ctx context.Context, req *Request) error
	Close() error
}

// HTTPExporter sends log groups to the PutLogs API.
type HTTPExporter struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

// New creates an HTTPExporter based on the configuration.
func New(cfg Config) (*HTTPExporter, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("exporter: %w", auth.ErrNoCredentials)
	}
	endpoint, err := NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base := cfg.Transport
	if base == nil {
		base, err = newTransport(cfg, strings.HasPrefix(endpoint, "https://"))
		if err != nil {
			return nil, err
		}
	}

	return &HTTPExporter{
		client: &http.Client{
			Transport: auth.HTTPTransport(cfg.Credentials, base),
			Timeout:   cfg.Timeout,
			// a redirected POST would be replayed as GET or lose its body
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		endpoint: endpoint,
		timeout:  cfg.Timeout,
	}, nil
}

func newTransport(cfg Config, secure bool) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// Apply default values if not set
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !secure {
		return transport, nil
	}

	tlsConfig, err := newTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig

	http2Transport, err := http2.ConfigureTransports(transport)
	if err == nil && http2Transport != nil {
		if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
			http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
		}
		if cfg.HTTPClient.HTTP2PingTimeout > 0 {
			http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
		}
	}
	return transport, nil
}

func newTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}

// NormalizeEndpoint trims s, adds https:// to bare hosts and strips a
// trailing slash.
func NormalizeEndpoint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("endpoint is required")
	}
	if !hasScheme(s) {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", s)
	}
	return strings.TrimRight(s, "/"), nil
}

// hasScheme checks if a URL has an http or https scheme.
func hasScheme(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Endpoint returns the normalized endpoint.
func (e *HTTPExporter) Endpoint() string {
	return e.endpoint
}

// URL returns the PutLogs URL for a project and pool.
func (e *HTTPExporter) URL(project, pool string) string {
	q := url.Values{}
	q.Set("ProjectName", project)
	q.Set("LogPoolName", pool)
	return e.endpoint + PutLogsPath + "?" + q.Encode()
}

// Export sends one encoded log group. Failures are returned as *ExportError.
func (e *HTTPExporter) Export(ctx context.Context, req *Request) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL(req.Project, req.Pool), bytes.NewReader(req.Payload))
	if err != nil {
		return &ExportError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeClientError}
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Klog-Api-Version", APIVersion)
	httpReq.Header.Set("X-Klog-Body-Raw-Size", strconv.Itoa(req.RawSize))
	if v := req.Compression.HeaderValue(); v != "" {
		httpReq.Header.Set("X-Klog-Compress-Type", v)
	}
	if req.BatchID != "" {
		httpReq.Header.Set("X-Request-Id", req.BatchID)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return &ExportError{Err: fmt.Errorf("failed to send request: %w", err), Type: classifyError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Read and discard body to allow connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	exportErr := &ExportError{
		Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		Type:       classifyHTTPStatusCode(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
	if exportErr.Type == ErrorTypeRedirect {
		exportErr.Message = "redirected to " + resp.Header.Get("Location")
	}
	return exportErr
}

// Close releases idle connections.
func (e *HTTPExporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
