package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/loquax/internal/tool"
)

// EnvPrefix is the prefix of all configuration environment variables.
const EnvPrefix = "LOQUAX_"

// Load reads the YAML configuration file at path, applies LOQUAX_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from LOQUAX_* environment variables. Unset
// variables leave the field untouched; malformed numeric values are ignored.
func ApplyEnv(cfg *Config) {
	envString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv(EnvPrefix + "API_KEY"); ok && v != "" {
		cfg.Server.APIKeys = append(cfg.Server.APIKeys, v)
	}

	envString(&cfg.Providers.LLM.Name, "LLM_PROVIDER")
	envString(&cfg.Providers.LLM.APIKey, "LLM_API_KEY")
	envString(&cfg.Providers.LLM.BaseURL, "LLM_BASE_URL")
	envString(&cfg.Providers.LLM.Model, "LLM_MODEL")

	envString(&cfg.Providers.STT.Name, "STT_PROVIDER")
	envString(&cfg.Providers.STT.APIKey, "STT_API_KEY")
	envString(&cfg.Providers.STT.BaseURL, "STT_BASE_URL")
	envString(&cfg.Providers.STT.Model, "STT_MODEL")

	envString(&cfg.Providers.TTS.Name, "TTS_PROVIDER")
	envString(&cfg.Providers.TTS.APIKey, "TTS_API_KEY")
	envString(&cfg.Providers.TTS.Voice, "TTS_VOICE")

	envString(&cfg.History.PostgresDSN, "POSTGRES_DSN")
	envInt(&cfg.History.Window, "HISTORY_WINDOW")
	envInt(&cfg.History.HotTTLMinutes, "HISTORY_HOT_TTL_MINUTES")

	envString(&cfg.Turn.SystemPrompt, "SYSTEM_PROMPT")
	envInt(&cfg.Turn.MaxToolIterations, "MAX_TOOL_ITERATIONS")
	envInt(&cfg.Turn.DeadlineSeconds, "TURN_DEADLINE_SECONDS")

	envInt(&cfg.Cache.TTLSeconds, "CACHE_TTL_SECONDS")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}

	if cfg.History.Window < 0 {
		errs = append(errs, fmt.Errorf("history.window %d is negative", cfg.History.Window))
	}
	if cfg.Turn.MaxToolIterations < 0 {
		errs = append(errs, fmt.Errorf("turn.max_tool_iterations %d is negative", cfg.Turn.MaxToolIterations))
	}
	if cfg.Turn.Temperature < 0 || cfg.Turn.Temperature > 2 {
		errs = append(errs, fmt.Errorf("turn.temperature %.2f is out of range [0, 2]", cfg.Turn.Temperature))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case "", tool.MCPTransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case tool.MCPTransportStreamableHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// MCPServerConfigs converts the config entries into tool-layer configs.
func (c *Config) MCPServerConfigs() []tool.MCPServerConfig {
	out := make([]tool.MCPServerConfig, 0, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		transport := s.Transport
		if transport == "" {
			transport = tool.MCPTransportStdio
		}
		out = append(out, tool.MCPServerConfig{
			Name:      s.Name,
			Transport: transport,
			Command:   s.Command,
			URL:       s.URL,
			Env:       s.Env,
		})
	}
	return out
}
