// Package config builds the startup-immutable configuration described
// in spec §3 and §6 from environment variables, following the teacher's
// own config-struct shape (pkg/config/config.go) but sourced from the
// environment rather than a TOML file, per spec §3's "set at startup
// from environment, immutable" invariant. An optional local TOML file
// (pelletier/go-toml/v2, the same library the teacher uses) can override
// ambient settings not covered by the env var table — see AmbientFile.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentwall/llm-sidecar/internal/copilot"
	"github.com/agentwall/llm-sidecar/internal/ratelimit"
	"github.com/pelletier/go-toml/v2"
)

// ProviderID is the closed set of supported providers (spec §3).
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderCopilot   ProviderID = "copilot"
)

// InjectionStyle names how a provider's credential is attached to the
// outbound request (spec §3, §4.8).
type InjectionStyle string

const (
	InjectBearer          InjectionStyle = "bearer"
	InjectAnthropicAPIKey InjectionStyle = "anthropic_api_key"
)

// Default listener ports (spec §6).
const (
	PortOpenAI    = 10000
	PortAnthropic = 10001
	PortCopilot   = 10002
)

// Default rate limit ceilings (spec §6).
const (
	DefaultRPM         = 600
	DefaultRPH         = 1000
	DefaultBytesPerMin = 52428800
)

// Hardcoded fallbacks applied when neither the environment nor the
// ambient TOML file (see AmbientFile) sets a value.
const (
	defaultLogLevel          = "info"
	defaultManagementBindHost = "127.0.0.1"
	defaultListenBindHost    = "127.0.0.1"
)

const defaultAmbientConfigFileName = "ambient.toml"

// ProviderConfig is one provider's startup-immutable configuration
// (spec §3). Credential is non-empty iff the provider is enabled.
type ProviderConfig struct {
	ID             ProviderID
	Credential     string
	UpstreamHost   string
	Port           int
	Injection      InjectionStyle
	Enabled        bool
}

// UpstreamProxy is the CONNECT-capable HTTP proxy every outbound request
// routes through, or the zero value for a direct connection (spec §3).
type UpstreamProxy struct {
	URL *url.URL
}

func (p UpstreamProxy) Configured() bool {
	return p.URL != nil
}

// RateLimitConfig is an alias of ratelimit.Config, so the parsed limits
// pass straight to ratelimit.New.
type RateLimitConfig = ratelimit.Config

// Config is the whole process's startup-immutable configuration.
type Config struct {
	Providers          map[ProviderID]ProviderConfig
	Proxy              UpstreamProxy
	RateLimit          RateLimitConfig
	LogLevel           string
	ManagementBindHost string
	ListenBindHost     string
}

// AmbientFile is the optional local TOML override for settings the
// env var table (spec §6) doesn't cover: none of these can affect
// credentials or rate-limit ceilings, keeping spec §3's "immutable from
// environment" guarantee for anything security- or quota-relevant.
type AmbientFile struct {
	LogLevel          string `toml:"log_level,omitempty"`
	ManagementBindHost string `toml:"management_bind_host,omitempty"`
	ListenBindHost    string `toml:"listen_bind_host,omitempty"`
}

// DefaultAmbientConfigPath returns the default location for the ambient
// TOML override file, following the teacher's own
// DefaultServerConfigPath (pkg/config/config.go): ambient.toml under
// ~/.config/llm-sidecar, or a bare ambient.toml in the working directory
// when the home directory is unknown.
func DefaultAmbientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultAmbientConfigFileName
	}
	return filepath.Join(home, ".config", "llm-sidecar", defaultAmbientConfigFileName)
}

// LoadAmbientFile reads an optional TOML file at path. A missing file is
// not an error; it just yields the zero value.
func LoadAmbientFile(path string) (AmbientFile, error) {
	if strings.TrimSpace(path) == "" {
		return AmbientFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AmbientFile{}, nil
		}
		return AmbientFile{}, fmt.Errorf("read ambient config %s: %w", path, err)
	}
	var f AmbientFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return AmbientFile{}, fmt.Errorf("parse ambient config %s: %w", path, err)
	}
	return f, nil
}

// Load builds a Config from the process environment (spec §6). It never
// fails: invalid provider credentials simply leave that provider
// disabled, and invalid numeric rate-limit values fall back to their
// documented defaults (spec §6, "Invalid values fall back to defaults").
func Load(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Config{
		Providers:          make(map[ProviderID]ProviderConfig),
		LogLevel:           strings.TrimSpace(getenv("LOG_LEVEL")),
		ManagementBindHost: strings.TrimSpace(getenv("MANAGEMENT_BIND_HOST")),
		ListenBindHost:     strings.TrimSpace(getenv("LISTEN_BIND_HOST")),
	}

	openaiKey := strings.TrimSpace(getenv("OPENAI_API_KEY"))
	cfg.Providers[ProviderOpenAI] = ProviderConfig{
		ID:           ProviderOpenAI,
		Credential:   openaiKey,
		UpstreamHost: "api.openai.com",
		Port:         PortOpenAI,
		Injection:    InjectBearer,
		Enabled:      openaiKey != "",
	}

	anthropicKey := strings.TrimSpace(getenv("ANTHROPIC_API_KEY"))
	cfg.Providers[ProviderAnthropic] = ProviderConfig{
		ID:           ProviderAnthropic,
		Credential:   anthropicKey,
		UpstreamHost: "api.anthropic.com",
		Port:         PortAnthropic,
		Injection:    InjectAnthropicAPIKey,
		Enabled:      anthropicKey != "",
	}

	copilotToken := strings.TrimSpace(getenv("COPILOT_GITHUB_TOKEN"))
	copilotHost := copilot.DeriveHost(getenv("COPILOT_API_TARGET"), getenv("GITHUB_SERVER_URL"))
	cfg.Providers[ProviderCopilot] = ProviderConfig{
		ID:           ProviderCopilot,
		Credential:   copilotToken,
		UpstreamHost: copilotHost,
		Port:         PortCopilot,
		Injection:    InjectBearer,
		Enabled:      copilotToken != "",
	}

	cfg.Proxy = parseUpstreamProxy(getenv)

	cfg.RateLimit = RateLimitConfig{
		Enabled:      strings.EqualFold(strings.TrimSpace(getenv("AWF_RATE_LIMIT_ENABLED")), "true"),
		RPM:          parsePositiveInt64(getenv("AWF_RATE_LIMIT_RPM"), DefaultRPM),
		RPH:          parsePositiveInt64(getenv("AWF_RATE_LIMIT_RPH"), DefaultRPH),
		BytesPerMin:  parsePositiveInt64(getenv("AWF_RATE_LIMIT_BYTES_PM"), DefaultBytesPerMin),
	}

	return cfg
}

func parseUpstreamProxy(getenv func(string) string) UpstreamProxy {
	raw := strings.TrimSpace(getenv("HTTPS_PROXY"))
	if raw == "" {
		raw = strings.TrimSpace(getenv("HTTP_PROXY"))
	}
	if raw == "" {
		return UpstreamProxy{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return UpstreamProxy{}
	}
	return UpstreamProxy{URL: u}
}

// parsePositiveInt64 parses raw as an integer > 0, falling back to
// def for anything non-numeric or <= 0 (spec §6).
func parsePositiveInt64(raw string, def int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// WithAmbientDefaults fills LogLevel, ManagementBindHost, and
// ListenBindHost from f wherever the environment left them unset, then
// falls back to this package's hardcoded defaults for anything f also
// leaves unset. Environment variables always win over the ambient file,
// matching the teacher's own env-flag-overrides-config-file precedence
// in cmd/serve.go.
func (c Config) WithAmbientDefaults(f AmbientFile) Config {
	if c.LogLevel == "" {
		c.LogLevel = f.LogLevel
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	if c.ManagementBindHost == "" {
		c.ManagementBindHost = f.ManagementBindHost
	}
	if c.ManagementBindHost == "" {
		c.ManagementBindHost = defaultManagementBindHost
	}

	if c.ListenBindHost == "" {
		c.ListenBindHost = f.ListenBindHost
	}
	if c.ListenBindHost == "" {
		c.ListenBindHost = defaultListenBindHost
	}

	return c
}

// ValidatePorts checks spec §3's invariant that ports are pairwise
// distinct across enabled providers. Since the port table is a fixed
// constant per provider (spec §6), this only ever fails if a future
// change to the constants collides — kept as an explicit runtime check
// rather than a compile-time-only assumption.
func (c Config) ValidatePorts() error {
	seen := make(map[int]ProviderID)
	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if other, ok := seen[p.Port]; ok {
			return fmt.Errorf("port %d used by both %s and %s", p.Port, other, id)
		}
		seen[p.Port] = id
	}
	return nil
}
