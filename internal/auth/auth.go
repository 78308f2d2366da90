package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// SignatureMethod is the only signing algorithm supported.
	SignatureMethod = "hmac-sha1"

	headerAuthorization = "Authorization"
	headerSigMethod     = "X-Klog-Signature-Method"
	headerContentMD5    = "Content-MD5"
	headerDate          = "Date"

	// klogHeaderPrefix selects the headers that take part in the signature.
	klogHeaderPrefix = "x-klog-"

	schemePrefix = "KLOG "
)

// ErrNoCredentials is returned when a provider yields an empty key pair.
var ErrNoCredentials = errors.New("access key and secret key are required")

// Credentials is an access/secret key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Provider supplies credentials for each request, allowing rotation.
type Provider interface {
	Credentials() (Credentials, error)
}

// StaticProvider always returns the same key pair.
type StaticProvider Credentials

// Credentials implements Provider.
func (p StaticProvider) Credentials() (Credentials, error) {
	c := Credentials(p)
	if c.AccessKey == "" || c.SecretKey == "" {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// NewStatic returns a Provider for a fixed key pair. Keys are trimmed.
func NewStatic(accessKey, secretKey string) StaticProvider {
	return StaticProvider{
		AccessKey: strings.TrimSpace(accessKey),
		SecretKey: strings.TrimSpace(secretKey),
	}
}

// Sign stamps req with Date, Content-MD5 and Authorization headers.
// body must be the exact bytes sent.
func Sign(req *http.Request, body []byte, creds Credentials, now time.Time) {
	sum := md5.Sum(body)
	req.Header.Set(headerContentMD5, strings.ToUpper(hex.EncodeToString(sum[:])))
	req.Header.Set(headerDate, now.UTC().Format(http.TimeFormat))
	req.Header.Set(headerSigMethod, SignatureMethod)
	req.Header.Set(headerAuthorization, schemePrefix+creds.AccessKey+":"+Signature(req, creds.SecretKey))
}

// Signature computes the base64 HMAC-SHA1 of the canonical request.
func Signature(req *http.Request, secretKey string) string {
	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(StringToSign(req)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StringToSign builds the canonical string:
//
//	METHOD \n Content-MD5 \n Content-Type \n Date \n x-klog-* headers \n path?sorted-query
func StringToSign(req *http.Request) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteByte('\n')
	sb.WriteString(req.Header.Get(headerContentMD5))
	sb.WriteByte('\n')
	sb.WriteString(req.Header.Get("Content-Type"))
	sb.WriteByte('\n')
	sb.WriteString(req.Header.Get(headerDate))
	sb.WriteByte('\n')

	var names []string
	for k := range req.Header {
		if lk := strings.ToLower(k); strings.HasPrefix(lk, klogHeaderPrefix) {
			names = append(names, lk)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.TrimSpace(req.Header.Get(name)))
		sb.WriteByte('\n')
	}

	sb.WriteString(canonicalResource(req.URL))
	return sb.String()
}

func canonicalResource(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	q := u.Query()
	if len(q) == 0 {
		return path
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+q.Get(k))
	}
	return path + "?" + strings.Join(parts, "&")
}

// HTTPTransport returns an http.RoundTripper that signs every request with
// credentials from p.
func HTTPTransport(p Provider, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{base: base, provider: p, now: time.Now}
}

type signingTransport struct {
	base     http.RoundTripper
	provider Provider
	now      func() time.Time
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.provider.Credentials()
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("sign request: %w", err)
	}

	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())
	reqClone.Body = io.NopCloser(bytes.NewReader(body))
	reqClone.ContentLength = int64(len(body))
	Sign(reqClone, body, creds, t.now())

	return t.base.RoundTrip(reqClone)
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		closeBody(req)
		return io.ReadAll(rc)
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// HTTPMiddleware verifies signed requests against p before calling next.
// Endpoints and tests use it to reject unsigned or tampered requests.
func HTTPMiddleware(p Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, err := p.Credentials()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := Verify(r, body, creds); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks the Authorization and Content-MD5 headers of r.
func Verify(r *http.Request, body []byte, creds Credentials) error {
	auth := r.Header.Get(headerAuthorization)
	if auth == "" {
		return fmt.Errorf("missing authorization header")
	}
	rest, ok := strings.CutPrefix(auth, schemePrefix)
	if !ok {
		return fmt.Errorf("invalid authorization header format")
	}
	ak, sig, ok := strings.Cut(rest, ":")
	if !ok || ak != creds.AccessKey {
		return fmt.Errorf("invalid access key")
	}
	if m := r.Header.Get(headerSigMethod); m != SignatureMethod {
		return fmt.Errorf("unsupported signature method %q", m)
	}

	sum := md5.Sum(body)
	if !strings.EqualFold(r.Header.Get(headerContentMD5), hex.EncodeToString(sum[:])) {
		return fmt.Errorf("content md5 mismatch")
	}

	if !hmac.Equal([]byte(sig), []byte(Signature(r, creds.SecretKey))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
