package forwarder

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/kloudping-venkat/DevopsMate/pkg/types"
	"github.com/kloudping-venkat/DevopsMate/pkg/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoint is one shipping target: URL, credentials, deadline, and an
// explicit per-kind URL map. Endpoints are ordered; index 0 is primary.
type Endpoint struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Enabled bool

	// KindURLs overrides the URL for specific kinds. Unlisted kinds
	// default to {URL}/{kind}. The forwarder sets the topology entry
	// when a dedicated topology URL is configured.
	KindURLs map[types.Kind]string
}

// URLFor resolves the ingest URL for a stream kind.
func (e Endpoint) URLFor(kind types.Kind) string {
	if u, ok := e.KindURLs[kind]; ok && u != "" {
		return u
	}
	return strings.TrimRight(e.URL, "/") + "/" + string(kind)
}

// Host returns the endpoint's host name for DNS probing.
func (e Endpoint) Host() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// OutcomeClass classifies the result of a single send attempt.
type OutcomeClass int

const (
	OutcomeSuccess OutcomeClass = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeClientError
	OutcomeConnectionError
	OutcomeDNSError
	OutcomeTimeout
)

func (c OutcomeClass) String() string {
	switch c {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeClientError:
		return "client_error"
	case OutcomeConnectionError:
		return "connection_error"
	case OutcomeDNSError:
		return "dns_error"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

// connectionClass reports whether the outcome counts as a network-level
// failure for circuit-breaking purposes.
func (c OutcomeClass) connectionClass() bool {
	return c == OutcomeConnectionError || c == OutcomeDNSError || c == OutcomeTimeout
}

// Outcome is the result of one transport attempt.
type Outcome struct {
	Class      OutcomeClass
	StatusCode int           // set for HTTP-level outcomes
	RetryAfter time.Duration // set for rate-limit responses
	BytesSent  int           // compressed body size, set on success
	Items      int           // payload count, set on success
	BodyPrefix string        // first bytes of a client-error body
	Err        error         // underlying error for network outcomes
}

// Transport performs a single batched send: serialise, compress, POST,
// classify the response. No retries, no state beyond the connection pool.
type Transport struct {
	client    *http.Client
	tenantID  string
	userAgent string
}

// TransportConfig for the transport.
type TransportConfig struct {
	TenantID string
	RunID    string // per-process agent run ID, surfaced in the user agent

	// MaxConnsPerHost caps the shared pool's connections per endpoint
	// host. Defaults to 10.
	MaxConnsPerHost int

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// NewTransport creates the transport with a shared connection pool.
func NewTransport(cfg TransportConfig) *Transport {
	client := cfg.Client
	if client == nil {
		maxConns := cfg.MaxConnsPerHost
		if maxConns <= 0 {
			maxConns = 10
		}
		client = &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	ua := version.UserAgent()
	if cfg.RunID != "" {
		ua = fmt.Sprintf("%s (run %s)", ua, cfg.RunID)
	}
	return &Transport{
		client:    client,
		tenantID:  cfg.TenantID,
		userAgent: ua,
	}
}

// Close releases idle connections.
func (t *Transport) Close() {
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// Send ships one batch of payloads for kind to the endpoint and
// classifies what happened. Exactly one POST is made.
func (t *Transport) Send(ctx context.Context, ep Endpoint, kind types.Kind, payloads []types.Payload) Outcome {
	body, err := encodeBody(kind, payloads)
	if err != nil {
		return Outcome{Class: OutcomeClientError, Err: err, BodyPrefix: err.Error()}
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URLFor(kind), bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: OutcomeClientError, Err: err, BodyPrefix: err.Error()}
	}
	req.Header.Set("X-API-Key", ep.APIKey)
	req.Header.Set("X-Tenant-ID", t.tenantID)
	req.Header.Set("X-Batch-ID", uuid.NewString())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return Outcome{
			Class:     OutcomeSuccess,
			BytesSent: len(body),
			Items:     len(payloads),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return Outcome{
			Class:      OutcomeRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return Outcome{Class: OutcomeServerError, StatusCode: resp.StatusCode}
	default:
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{
			Class:      OutcomeClientError,
			StatusCode: resp.StatusCode,
			BodyPrefix: string(prefix),
		}
	}
}

// encodeBody serialises and compresses one batch. Metrics and logs are
// wrapped in a keyed envelope; traces and topology go as bare sequences.
func encodeBody(kind types.Kind, payloads []types.Payload) ([]byte, error) {
	var doc any
	switch kind {
	case types.KindMetrics:
		doc = map[string][]types.Payload{"metrics": payloads}
	case types.KindLogs:
		doc = map[string][]types.Payload{"logs": payloads}
	default:
		doc = payloads
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding %s batch: %w", kind, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing %s batch: %w", kind, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compressing %s batch: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// classifyError maps a transport-level error onto the outcome taxonomy.
func classifyError(err error) Outcome {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Outcome{Class: OutcomeDNSError, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Class: OutcomeTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Class: OutcomeTimeout, Err: err}
	}
	return Outcome{Class: OutcomeConnectionError, Err: err}
}

// parseRetryAfter handles both the delay-seconds and the HTTP-date form
// of Retry-After. A missing or unparseable header falls back to a minute.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return 60 * time.Second
}
