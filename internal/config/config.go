// Package config provides the configuration schema, loader, environment
// overrides, and provider registry for the Loquax server.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, loaded from YAML via [Load]
// and optionally overridden by LOQUAX_* environment variables via
// [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	History   HistoryConfig   `yaml:"history"`
	Turn      TurnConfig      `yaml:"turn"`
	Cache     CacheConfig     `yaml:"cache"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network, auth, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// APIKeys lists accepted X-API-Key values. Empty disables auth.
	APIKeys []string `yaml:"api_keys"`

	// TLS configures TLS for the server. When nil, the server runs plain
	// HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named factory in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "whisper", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the provider's authentication key, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the default voice id for TTS providers.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered by the standard
	// fields.
	Options map[string]any `yaml:"options"`
}

// HistoryConfig tunes the hybrid session store.
type HistoryConfig struct {
	// Window is the per-session hot message cap W. Zero means the store
	// default (20).
	Window int `yaml:"window"`

	// HotTTLMinutes is how long an inactive session stays hot. Zero means
	// the store default (30).
	HotTTLMinutes int `yaml:"hot_ttl_minutes"`

	// PostgresDSN enables the durable tier when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TurnConfig tunes the turn orchestrator.
type TurnConfig struct {
	// SystemPrompt is the base instruction prepended to every LLM call.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxToolIterations caps tool calls per turn. Zero means the default
	// (5).
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// DeadlineSeconds is the per-turn wall-clock budget. Zero means the
	// default (60).
	DeadlineSeconds int `yaml:"deadline_seconds"`

	// Temperature is the sampling temperature passed to the model.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion tokens per LLM call. Zero uses the
	// provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// CacheConfig tunes the tool-result cache.
type CacheConfig struct {
	// TTLSeconds is the default entry lifetime. Zero means the cache
	// default (300).
	TTLSeconds int `yaml:"ttl_seconds"`
}

// MCPConfig lists Model Context Protocol tool servers to connect to.
type MCPConfig struct {
	Servers []MCPServerEntry `yaml:"servers"`
}

// MCPServerEntry describes one MCP tool server.
type MCPServerEntry struct {
	// Name is a unique identifier for this server, used in logs and tool
	// namespacing.
	Name string `yaml:"name"`

	// Transport is "stdio" or "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with arguments) launched for stdio
	// transport.
	Command string `yaml:"command"`

	// URL is the endpoint address for streamable-http transport.
	URL string `yaml:"url"`

	// Env holds environment variables injected into stdio subprocesses.
	Env map[string]string `yaml:"env"`
}
