package config

import "testing"

func envMap(m map[string]string) func(string) string {
	return func(key string) string {
		return m[key]
	}
}

func TestLoadDisablesProvidersWithoutCredentials(t *testing.T) {
	cfg := Load(envMap(nil))

	if cfg.Providers[ProviderOpenAI].Enabled {
		t.Fatalf("expected OpenAI disabled without OPENAI_API_KEY")
	}
	if cfg.Providers[ProviderAnthropic].Enabled {
		t.Fatalf("expected Anthropic disabled without ANTHROPIC_API_KEY")
	}
	if cfg.Providers[ProviderCopilot].Enabled {
		t.Fatalf("expected Copilot disabled without COPILOT_GITHUB_TOKEN")
	}
}

func TestLoadEnablesConfiguredProviders(t *testing.T) {
	cfg := Load(envMap(map[string]string{
		"OPENAI_API_KEY":       "sk-openai",
		"ANTHROPIC_API_KEY":    "sk-ant-fake",
		"COPILOT_GITHUB_TOKEN": "ghu_fake",
	}))

	if !cfg.Providers[ProviderOpenAI].Enabled || cfg.Providers[ProviderOpenAI].Credential != "sk-openai" {
		t.Fatalf("expected OpenAI enabled with credential, got %+v", cfg.Providers[ProviderOpenAI])
	}
	if !cfg.Providers[ProviderAnthropic].Enabled || cfg.Providers[ProviderAnthropic].UpstreamHost != "api.anthropic.com" {
		t.Fatalf("unexpected anthropic config: %+v", cfg.Providers[ProviderAnthropic])
	}
	if !cfg.Providers[ProviderCopilot].Enabled || cfg.Providers[ProviderCopilot].UpstreamHost != "api.githubcopilot.com" {
		t.Fatalf("unexpected copilot config: %+v", cfg.Providers[ProviderCopilot])
	}
}

func TestLoadCopilotHostDerivation(t *testing.T) {
	cfg := Load(envMap(map[string]string{
		"COPILOT_GITHUB_TOKEN": "ghu_fake",
		"GITHUB_SERVER_URL":    "https://mycompany.ghe.com",
	}))
	if got := cfg.Providers[ProviderCopilot].UpstreamHost; got != "api.mycompany.ghe.com" {
		t.Fatalf("expected derived ghe host, got %q", got)
	}
}

func TestLoadRateLimitDefaults(t *testing.T) {
	cfg := Load(envMap(nil))
	if cfg.RateLimit.Enabled {
		t.Fatalf("expected rate limiter disabled by default")
	}
	if cfg.RateLimit.RPM != DefaultRPM || cfg.RateLimit.RPH != DefaultRPH || cfg.RateLimit.BytesPerMin != DefaultBytesPerMin {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
}

func TestLoadRateLimitInvalidValuesFallBackToDefaults(t *testing.T) {
	cfg := Load(envMap(map[string]string{
		"AWF_RATE_LIMIT_ENABLED": "true",
		"AWF_RATE_LIMIT_RPM":     "not-a-number",
		"AWF_RATE_LIMIT_RPH":     "-5",
		"AWF_RATE_LIMIT_BYTES_PM": "0",
	}))
	if !cfg.RateLimit.Enabled {
		t.Fatalf("expected rate limiter enabled")
	}
	if cfg.RateLimit.RPM != DefaultRPM {
		t.Fatalf("expected RPM default fallback, got %d", cfg.RateLimit.RPM)
	}
	if cfg.RateLimit.RPH != DefaultRPH {
		t.Fatalf("expected RPH default fallback, got %d", cfg.RateLimit.RPH)
	}
	if cfg.RateLimit.BytesPerMin != DefaultBytesPerMin {
		t.Fatalf("expected bytes/min default fallback, got %d", cfg.RateLimit.BytesPerMin)
	}
}

func TestLoadUpstreamProxyFromEnv(t *testing.T) {
	cfg := Load(envMap(map[string]string{"HTTPS_PROXY": "http://proxy.internal:3128"}))
	if !cfg.Proxy.Configured() {
		t.Fatalf("expected proxy configured")
	}
	if cfg.Proxy.URL.Host != "proxy.internal:3128" {
		t.Fatalf("unexpected proxy host: %q", cfg.Proxy.URL.Host)
	}
}

func TestValidatePortsDetectsCollision(t *testing.T) {
	cfg := Load(envMap(map[string]string{
		"OPENAI_API_KEY":    "sk-openai",
		"ANTHROPIC_API_KEY": "sk-ant",
	}))
	openai := cfg.Providers[ProviderOpenAI]
	openai.Port = cfg.Providers[ProviderAnthropic].Port
	cfg.Providers[ProviderOpenAI] = openai

	if err := cfg.ValidatePorts(); err == nil {
		t.Fatalf("expected port collision error")
	}
}

func TestLoadAmbientFileMissingIsNotError(t *testing.T) {
	f, err := LoadAmbientFile("/nonexistent/path/ambient.toml")
	if err != nil {
		t.Fatalf("expected missing file to be treated as absent, got error: %v", err)
	}
	if f != (AmbientFile{}) {
		t.Fatalf("expected zero value for missing file, got %+v", f)
	}
}

func TestWithAmbientDefaultsEnvWinsOverFile(t *testing.T) {
	cfg := Load(envMap(map[string]string{"LOG_LEVEL": "debug"}))
	cfg = cfg.WithAmbientDefaults(AmbientFile{LogLevel: "error"})
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env LOG_LEVEL to win over ambient file, got %q", cfg.LogLevel)
	}
}

func TestWithAmbientDefaultsFileFillsUnsetEnv(t *testing.T) {
	cfg := Load(envMap(nil))
	cfg = cfg.WithAmbientDefaults(AmbientFile{
		LogLevel:           "warn",
		ManagementBindHost: "0.0.0.0",
		ListenBindHost:     "10.0.0.5",
	})
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected ambient file LogLevel to apply, got %q", cfg.LogLevel)
	}
	if cfg.ManagementBindHost != "0.0.0.0" {
		t.Fatalf("expected ambient file ManagementBindHost to apply, got %q", cfg.ManagementBindHost)
	}
	if cfg.ListenBindHost != "10.0.0.5" {
		t.Fatalf("expected ambient file ListenBindHost to apply, got %q", cfg.ListenBindHost)
	}
}

func TestWithAmbientDefaultsFallsBackToHardcodedDefaults(t *testing.T) {
	cfg := Load(envMap(nil)).WithAmbientDefaults(AmbientFile{})
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.ManagementBindHost != "127.0.0.1" {
		t.Fatalf("expected default management bind host 127.0.0.1, got %q", cfg.ManagementBindHost)
	}
	if cfg.ListenBindHost != "127.0.0.1" {
		t.Fatalf("expected default listen bind host 127.0.0.1, got %q", cfg.ListenBindHost)
	}
}
