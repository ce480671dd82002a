// Package core holds the single process-wide value threaded through
// every listener and request handler, replacing the teacher's
// package-level singletons with an explicit dependency (spec §9 "Global
// mutable state" redesign note).
package core

import (
	"github.com/agentwall/llm-sidecar/internal/config"
	"github.com/agentwall/llm-sidecar/internal/logging"
	"github.com/agentwall/llm-sidecar/internal/metrics"
	"github.com/agentwall/llm-sidecar/internal/ratelimit"
)

// Core bundles the process-wide singletons: metrics registry, logger,
// and rate limiter, plus the immutable startup configuration.
type Core struct {
	Config  config.Config
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Limiter *ratelimit.Limiter
}

// New constructs a Core from a loaded Config.
func New(cfg config.Config) *Core {
	return &Core{
		Config:  cfg,
		Logger:  logging.New(cfg.LogLevel),
		Metrics: metrics.NewRegistry(),
		Limiter: ratelimit.New(cfg.RateLimit),
	}
}
