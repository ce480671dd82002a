// Package forwarder implements the per-request provider forwarder from
// spec §4.8: validate path, enforce the body cap, scrub headers, inject
// credentials, forward through the upstream proxy, copy the response
// back, update metrics, and optionally feed the token extractor. The
// request lifecycle (read-body-then-single-upstream-call, metrics
// bookkeeping around the call) follows the teacher's own
// Server.proxyHandler / forwardRequest / forwardStreamingRequest in
// pkg/proxy/server.go, generalized from the teacher's model-routing
// concern to this spec's credential-injection concern.
package forwarder

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentwall/llm-sidecar/internal/config"
	"github.com/agentwall/llm-sidecar/internal/core"
	"github.com/agentwall/llm-sidecar/internal/headerpolicy"
	"github.com/agentwall/llm-sidecar/internal/logging"
	"github.com/agentwall/llm-sidecar/internal/metrics"
	"github.com/agentwall/llm-sidecar/internal/reqid"
	"github.com/agentwall/llm-sidecar/internal/sanitize"
	"github.com/agentwall/llm-sidecar/internal/tokens"
)

// MaxBodyBytes is the hard cap on request bodies (spec §4.8 step 4, §5
// Resource bounds).
const MaxBodyBytes = 10 << 20

// streamBufSize is the chunk size used when copying the upstream
// response to the client through the token extractor.
const streamBufSize = 32 * 1024

const anthropicDefaultVersion = "2023-06-01"

// Forwarder holds one shared HTTP client (and thus one shared upstream
// proxy connection pool, per spec §5 "one instance shared by all
// requests") for the whole process.
type Forwarder struct {
	core   *core.Core
	client *http.Client
}

// New builds a Forwarder whose transport routes through cfg.Proxy when
// configured, or connects directly otherwise (spec §3 UpstreamProxy,
// §4.8 step 6). CONNECT tunneling for the https upstream calls is
// handled natively by net/http.Transport once Proxy is set; no
// additional wiring is needed for the TLS-over-CONNECT tunnel.
func New(c *core.Core) *Forwarder {
	transport := &http.Transport{}
	if c.Config.Proxy.Configured() {
		proxyURL := c.Config.Proxy.URL
		transport.Proxy = http.ProxyURL(proxyURL)
	} else {
		c.Logger.Warn(logging.EventStartup, logging.Fields{
			"message": "no upstream proxy configured, connecting directly",
		})
	}
	return &Forwarder{
		core: c,
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // streaming responses can run arbitrarily long
		},
	}
}

// Handle serves one request for provider. It never panics into net/http:
// every internal failure is mapped to the HTTP error taxonomy of spec §7
// before Handle returns.
func (f *Forwarder) Handle(w http.ResponseWriter, r *http.Request, provider config.ProviderConfig) {
	start := time.Now()
	id := reqid.FromHeader(r.Header.Get("X-Request-ID"))
	w.Header().Set("X-Request-ID", id)

	f.core.Metrics.GaugeInc("active_requests", string(provider.ID))
	f.core.Logger.Info(logging.EventRequestStart, logging.Fields{
		"request_id": id,
		"provider":   string(provider.ID),
		"method":     r.Method,
		"path":       sanitize.Default(r.URL.Path),
	})

	finished := false

	// completeClient accounts for a response that actually carries a
	// status code back to the client: requests_total, the duration
	// histogram, byte counters, and a request_complete log line (spec
	// §4.8 steps 3, 4, 7).
	completeClient := func(status int, requestBytes, responseBytes int64, extra logging.Fields) {
		if finished {
			return
		}
		finished = true
		duration := time.Since(start)
		f.core.Metrics.GaugeDec("active_requests", string(provider.ID))
		f.core.Metrics.Inc("requests_total", string(provider.ID), r.Method, metrics.StatusClass(status))
		f.core.Metrics.Observe("request_duration_ms", float64(duration.Milliseconds()), string(provider.ID))
		f.core.Metrics.Increment("request_bytes_total", []string{string(provider.ID)}, uint64(requestBytes))
		if responseBytes > 0 {
			f.core.Metrics.Increment("response_bytes_total", []string{string(provider.ID)}, uint64(responseBytes))
		}
		fields := logging.Fields{
			"request_id":     id,
			"provider":       string(provider.ID),
			"status":         status,
			"duration_ms":    duration.Milliseconds(),
			"request_bytes":  requestBytes,
			"response_bytes": responseBytes,
			"upstream_host":  provider.UpstreamHost,
		}
		for k, v := range extra {
			fields[k] = v
		}
		f.core.Logger.Info(logging.EventRequestComplete, fields)
	}

	// completeError accounts for the taxonomy's error paths (spec §4.8
	// step 8): upstream connection error, upstream response stream
	// error, client stream error. These record requests_errors_total
	// and a request_error log line instead of requests_total /
	// request_complete.
	completeError := func(message string) {
		if finished {
			return
		}
		finished = true
		f.core.Metrics.GaugeDec("active_requests", string(provider.ID))
		f.core.Metrics.Inc("requests_errors_total", string(provider.ID))
		f.core.Logger.Error(logging.EventRequestError, logging.Fields{
			"request_id": id,
			"provider":   string(provider.ID),
			"error":      sanitize.Default(message),
		})
	}

	rejectClient := func(status int, errType, message string) {
		writeJSONError(w, status, errType, message, id)
		completeClient(status, 0, 0, nil)
	}

	if !strings.HasPrefix(r.URL.Path, "/") {
		rejectClient(http.StatusBadRequest, "bad_request", "path must begin with /")
		return
	}

	if r.ContentLength > MaxBodyBytes {
		rejectClient(http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds 10MiB cap")
		return
	}

	body, err := readCapped(r.Body, MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			rejectClient(http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds 10MiB cap")
			return
		}
		// Client stream error mid-read of the request body (spec §7).
		writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read request body", id)
		completeError(err.Error())
		return
	}
	defer r.Body.Close()

	outHeader := headerpolicy.Filter(r.Header)
	outHeader.Set("X-Request-Id", id)
	injectCredential(outHeader, provider, r.Header)

	// net/http.Transport appends the default https port (443) itself
	// when Host carries none, so provider.UpstreamHost can be a bare
	// hostname in production or a host:port pair in tests.
	upstreamURL := url.URL{
		Scheme:   "https",
		Host:     provider.UpstreamHost,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error(), id)
		completeError(err.Error())
		return
	}
	upstreamReq.Header = outHeader

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		// Upstream connection error (spec §4.8 step 8).
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error(), id)
		completeError(err.Error())
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Request-ID", id)
	w.WriteHeader(resp.StatusCode)

	contentEncoding := resp.Header.Get("Content-Encoding")
	contentType := resp.Header.Get("Content-Type")
	skip := tokens.Skip(contentEncoding)
	mode := tokens.SelectMode(contentType)

	flusher, canFlush := w.(http.Flusher)
	ext := tokens.New(w, mode, skip)

	buf := make([]byte, streamBufSize)
	var responseBytes int64
	var streamErr error
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := ext.Write(buf[:n]); werr != nil {
				streamErr = werr
				break
			}
			responseBytes += int64(n)
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			streamErr = rerr
			break
		}
	}

	// streamErr means the response status/headers are already committed
	// to the client; there is nothing left to do but stop and account
	// for it as an error (spec §4.8 step 8, §5 client-disconnect
	// handling), not a normal completion.
	if streamErr != nil {
		completeError(streamErr.Error())
		return
	}

	extra := logging.Fields{}
	if !skip {
		counts := ext.Counts()
		if counts.Total > 0 || counts.Input > 0 || counts.Output > 0 {
			extra["input_tokens"] = counts.Input
			extra["output_tokens"] = counts.Output
			extra["total_tokens"] = counts.Total
			f.core.Limiter.RecordTokens(string(provider.ID), int64(counts.Total))
		}
	}

	completeClient(resp.StatusCode, int64(len(body)), responseBytes, extra)
}

var errBodyTooLarge = errors.New("request body exceeds cap")

// readCapped reads up to limit+1 bytes so it can distinguish "exactly at
// the cap" from "over the cap" without buffering unbounded input.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// injectCredential applies the provider-specific header injection from
// spec §4.8 step 5. clientHeader is the original, unfiltered request
// header, used only to check whether the client already supplied an
// anthropic-version value.
func injectCredential(out http.Header, provider config.ProviderConfig, clientHeader http.Header) {
	switch provider.ID {
	case config.ProviderOpenAI, config.ProviderCopilot:
		out.Set("Authorization", "Bearer "+provider.Credential)
	case config.ProviderAnthropic:
		out.Set("x-api-key", provider.Credential)
		if clientHeader.Get("anthropic-version") == "" {
			out.Set("anthropic-version", anthropicDefaultVersion)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, errType, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   errType,
		"message": sanitize.Default(message),
	})
}
