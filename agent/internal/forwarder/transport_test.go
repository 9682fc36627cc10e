package forwarder

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jsonstd "encoding/json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

type capturedRequest struct {
	path    string
	headers http.Header
	body    []byte
}

func captureServer(t *testing.T, status int, respHeaders map[string]string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		captured = append(captured, capturedRequest{
			path:    r.URL.Path,
			headers: r.Header.Clone(),
			body:    body,
		})
		for k, v := range respHeaders {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func testEndpoint(url string) Endpoint {
	return Endpoint{URL: url, APIKey: "key", Timeout: 5 * time.Second, Enabled: true}
}

func TestTransport_MetricsEnvelope(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, nil)
	tr := NewTransport(TransportConfig{TenantID: "acme"})

	payloads := []types.Payload{{"metric": "cpu", "value": 1.5}}
	outcome := tr.Send(context.Background(), testEndpoint(srv.URL), types.KindMetrics, payloads)

	assert.Equal(t, OutcomeSuccess, outcome.Class)
	assert.Equal(t, 1, outcome.Items)
	assert.Positive(t, outcome.BytesSent)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/metrics", req.path)

	var doc map[string][]map[string]any
	require.NoError(t, jsonstd.Unmarshal(req.body, &doc))
	require.Len(t, doc["metrics"], 1)
	assert.Equal(t, "cpu", doc["metrics"][0]["metric"])
}

func TestTransport_LogsEnvelope(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, nil)
	tr := NewTransport(TransportConfig{TenantID: "acme"})

	tr.Send(context.Background(), testEndpoint(srv.URL), types.KindLogs, []types.Payload{{"line": "x"}})

	var doc map[string]any
	require.NoError(t, jsonstd.Unmarshal((*captured)[0].body, &doc))
	assert.Contains(t, doc, "logs")
}

func TestTransport_TracesAreBareSequence(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, nil)
	tr := NewTransport(TransportConfig{TenantID: "acme"})

	tr.Send(context.Background(), testEndpoint(srv.URL), types.KindTraces, []types.Payload{{"span": "s1"}, {"span": "s2"}})

	var doc []map[string]any
	require.NoError(t, jsonstd.Unmarshal((*captured)[0].body, &doc))
	assert.Len(t, doc, 2)
}

func TestTransport_Headers(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, nil)
	tr := NewTransport(TransportConfig{TenantID: "acme", RunID: "run-1"})

	tr.Send(context.Background(), testEndpoint(srv.URL), types.KindMetrics, []types.Payload{{"m": 1}})

	h := (*captured)[0].headers
	assert.Equal(t, "key", h.Get("X-API-Key"))
	assert.Equal(t, "acme", h.Get("X-Tenant-ID"))
	assert.Equal(t, "gzip", h.Get("Content-Encoding"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.NotEmpty(t, h.Get("X-Batch-ID"))
	assert.Contains(t, h.Get("User-Agent"), "devopsmate-agent")
}

func TestTransport_KindURLOverride(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, nil)
	tr := NewTransport(TransportConfig{TenantID: "acme"})

	ep := testEndpoint(srv.URL)
	ep.KindURLs = map[types.Kind]string{types.KindTopology: srv.URL + "/api/v2/topology/ingest"}

	tr.Send(context.Background(), ep, types.KindTopology, []types.Payload{{"t": 1}})
	assert.Equal(t, "/api/v2/topology/ingest", (*captured)[0].path)
}

func TestTransport_RateLimited(t *testing.T) {
	srv, _ := captureServer(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "17"})
	tr := NewTransport(TransportConfig{})

	outcome := tr.Send(context.Background(), testEndpoint(srv.URL), types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeRateLimited, outcome.Class)
	assert.Equal(t, 17*time.Second, outcome.RetryAfter)
}

func TestTransport_ServerError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway, nil)
	tr := NewTransport(TransportConfig{})

	outcome := tr.Send(context.Background(), testEndpoint(srv.URL), types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeServerError, outcome.Class)
	assert.Equal(t, http.StatusBadGateway, outcome.StatusCode)
}

func TestTransport_ClientErrorCapturesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "malformed metric envelope")
	}))
	t.Cleanup(srv.Close)
	tr := NewTransport(TransportConfig{})

	outcome := tr.Send(context.Background(), testEndpoint(srv.URL), types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeClientError, outcome.Class)
	assert.Equal(t, http.StatusBadRequest, outcome.StatusCode)
	assert.Contains(t, outcome.BodyPrefix, "malformed")
}

func TestTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listens here anymore

	tr := NewTransport(TransportConfig{})
	outcome := tr.Send(context.Background(), testEndpoint(url), types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeConnectionError, outcome.Class)
	assert.Error(t, outcome.Err)
}

func TestTransport_DNSError(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	outcome := tr.Send(context.Background(), testEndpoint("http://name-that-does-not-resolve.invalid"),
		types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeDNSError, outcome.Class)
}

func TestTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	tr := NewTransport(TransportConfig{})
	ep := testEndpoint(srv.URL)
	ep.Timeout = 50 * time.Millisecond

	outcome := tr.Send(context.Background(), ep, types.KindMetrics, []types.Payload{{"m": 1}})
	assert.Equal(t, OutcomeTimeout, outcome.Class)
}

func TestEndpoint_URLFor(t *testing.T) {
	ep := Endpoint{URL: "http://sink/api/v1/ingest/"}
	assert.Equal(t, "http://sink/api/v1/ingest/metrics", ep.URLFor(types.KindMetrics))
	assert.Equal(t, "http://sink/api/v1/ingest/logs", ep.URLFor(types.KindLogs))

	ep.KindURLs = map[types.Kind]string{types.KindTopology: "http://topo/ingest"}
	assert.Equal(t, "http://topo/ingest", ep.URLFor(types.KindTopology))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, 60*time.Second, parseRetryAfter(""))
	assert.Equal(t, 60*time.Second, parseRetryAfter("garbage"))
}
