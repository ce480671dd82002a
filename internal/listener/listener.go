// Package listener builds the per-provider chi router described in spec
// §4.10: rate-limit check, then delegate to the forwarder, plus local
// /health and (on the OpenAI listener only) /metrics management
// endpoints. The router setup (chi.NewRouter with RequestID/RealIP/
// Recoverer middleware, http.Server timeout shape) follows the
// teacher's own NewServer in pkg/proxy/server.go.
package listener

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentwall/llm-sidecar/internal/config"
	"github.com/agentwall/llm-sidecar/internal/core"
	"github.com/agentwall/llm-sidecar/internal/forwarder"
	"github.com/agentwall/llm-sidecar/internal/logging"
	"github.com/agentwall/llm-sidecar/internal/ratelimit"
	"github.com/agentwall/llm-sidecar/internal/reqid"
)

// managementTimeout bounds /health and /metrics, which the rate limiter
// deliberately does not cover.
const managementTimeout = 5 * time.Second

// managementHost is the only provider whose listener serves the
// management /health shape and /metrics; the other listeners serve only
// a simple /health (spec §4.10, §6: the OpenAI listener doubles as
// the management endpoint on port 10000, and always binds even with no
// OpenAI credential configured).
const managementHost = config.ProviderOpenAI

// New builds the http.Server for one provider's listener.
//
// The OpenAI listener always binds: with a credential it also forwards,
// without one it serves only /health and /metrics and answers 404 JSON
// everywhere else (spec §4.10). Anthropic and Copilot listeners bind
// only when their credential is present (spec §3 "port bound iff
// provider enabled"); the caller should not call New for a disabled
// non-management provider.
func New(c *core.Core, fw *forwarder.Forwarder, provider config.ProviderConfig) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if provider.ID == managementHost {
		r.With(middleware.Timeout(managementTimeout)).Get("/health", managementHealthHandler(c))
		r.With(middleware.Timeout(managementTimeout)).Get("/metrics", metricsHandler(c))
	} else {
		r.With(middleware.Timeout(managementTimeout)).Get("/health", localHealthHandler(provider))
	}

	if provider.Enabled {
		r.NotFound(forwardingHandler(c, fw, provider))
	} else {
		r.NotFound(disabledHandler(provider))
	}

	bindHost := c.Config.ListenBindHost
	if provider.ID == managementHost {
		bindHost = c.Config.ManagementBindHost
	}
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}

	return &http.Server{
		Addr:              bindHost + ":" + strconv.Itoa(provider.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0, // streaming responses can run arbitrarily long
		IdleTimeout:       120 * time.Second,
	}
}

// localHealthHandler serves the plain per-listener shape spec §6
// defines for the Anthropic and Copilot listeners.
func localHealthHandler(provider config.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"service": string(provider.ID),
		})
	}
}

// managementHealthHandler serves the richer shape spec §6 defines for
// the OpenAI listener's /health, which doubles as the whole sidecar's
// health check.
func managementHealthHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := map[string]bool{}
		rateLimits := map[string]ratelimit.Status{}
		for id, p := range c.Config.Providers {
			providers[string(id)] = p.Enabled
			rateLimits[string(id)] = c.Limiter.Status(string(id))
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"service":        "llm-sidecar",
			"squid_proxy":    c.Config.Proxy.Configured(),
			"providers":      providers,
			"metrics_summary": c.Metrics.GetSummary(),
			"rate_limits":    rateLimits,
		})
	}
}

func metricsHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Metrics.GetMetrics())
	}
}

func disabledHandler(provider config.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "provider_disabled",
			"message": "no credential configured for " + string(provider.ID),
		})
	}
}

// forwardingHandler runs the rate-limit check from spec §4.6 using the
// client-declared Content-Length (default 0 if absent or negative),
// then either rejects with the 429 shape spec §4.10 defines or hands
// the request to the forwarder.
func forwardingHandler(c *core.Core, fw *forwarder.Forwarder, provider config.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		declaredBytes := r.ContentLength
		if declaredBytes < 0 {
			declaredBytes = 0
		}

		decision := c.Limiter.Check(string(provider.ID), declaredBytes)
		if !decision.Allowed {
			id := reqid.FromHeader(r.Header.Get("X-Request-ID"))
			c.Metrics.Inc("rate_limit_rejected_total", string(provider.ID), string(decision.LimitType))
			writeRateLimited(w, id, provider, decision)
			c.Logger.Warn(logging.EventRateLimited, logging.Fields{
				"request_id":  id,
				"provider":    string(provider.ID),
				"limit_type":  string(decision.LimitType),
				"limit":       decision.Limit,
				"retry_after": decision.RetryAfter,
			})
			return
		}

		fw.Handle(w, r, provider)
	}
}

func windowName(t ratelimit.LimitType) string {
	switch t {
	case ratelimit.LimitRPM:
		return "per_minute"
	case ratelimit.LimitRPH:
		return "per_hour"
	case ratelimit.LimitBytesPM:
		return "per_minute_bytes"
	case ratelimit.LimitTokensPM:
		return "per_minute_tokens"
	default:
		return "per_minute"
	}
}

func writeRateLimited(w http.ResponseWriter, requestID string, provider config.ProviderConfig, decision ratelimit.Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.RetryAfter, 10))
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":        "rate_limit_error",
			"message":     "rate limit exceeded",
			"provider":    string(provider.ID),
			"limit":       decision.Limit,
			"window":      windowName(decision.LimitType),
			"retry_after": decision.RetryAfter,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
