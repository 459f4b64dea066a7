package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/loquax/internal/config"
	"github.com/MrWong99/loquax/internal/tool"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  api_keys:
    - secret-one
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  stt:
    name: whisper
    base_url: http://localhost:9000
  tts:
    name: elevenlabs
    api_key: el-test
    voice: rachel
history:
  window: 40
  hot_ttl_minutes: 15
  postgres_dsn: "postgres://localhost/loquax"
turn:
  system_prompt: "You are a helpful assistant."
  max_tool_iterations: 3
  deadline_seconds: 30
  temperature: 0.5
cache:
  ttl_seconds: 120
mcp:
  servers:
    - name: files
      transport: stdio
      command: "mcp-files --root /tmp"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Name != "openai" || cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM entry = %+v", cfg.Providers.LLM)
	}
	if cfg.History.Window != 40 {
		t.Errorf("history.window = %d", cfg.History.Window)
	}
	if cfg.Turn.MaxToolIterations != 3 {
		t.Errorf("turn.max_tool_iterations = %d", cfg.Turn.MaxToolIterations)
	}
	if cfg.Cache.TTLSeconds != 120 {
		t.Errorf("cache.ttl_seconds = %d", cfg.Cache.TTLSeconds)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Name != "files" {
		t.Errorf("mcp.servers = %+v", cfg.MCP.Servers)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
serverr:
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_MissingLLMProvider(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: ':8080'\n"))
	if err == nil {
		t.Fatal("expected error for missing LLM provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
turn:
  temperature: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
	if !strings.Contains(errStr, "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_MCPServers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "stdio without command",
			yaml: `
providers:
  llm:
    name: openai
mcp:
  servers:
    - name: files
      transport: stdio
`,
			wantErr: "command is required",
		},
		{
			name: "streamable-http without url",
			yaml: `
providers:
  llm:
    name: openai
mcp:
  servers:
    - name: remote
      transport: streamable-http
`,
			wantErr: "url is required",
		},
		{
			name: "unknown transport",
			yaml: `
providers:
  llm:
    name: openai
mcp:
  servers:
    - name: remote
      transport: grpc
      url: http://localhost:1234
`,
			wantErr: "transport",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should contain %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("LOQUAX_LISTEN_ADDR", ":7070")
	t.Setenv("LOQUAX_LLM_PROVIDER", "ollama")
	t.Setenv("LOQUAX_LLM_MODEL", "llama3.2")
	t.Setenv("LOQUAX_MAX_TOOL_ITERATIONS", "7")
	t.Setenv("LOQUAX_HISTORY_WINDOW", "not-a-number")
	t.Setenv("LOQUAX_API_KEY", "env-key")

	yaml := `
server:
  listen_addr: ":8080"
providers:
  llm:
    name: openai
history:
  window: 25
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want env override", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "ollama" || cfg.Providers.LLM.Model != "llama3.2" {
		t.Errorf("LLM entry = %+v, want env override", cfg.Providers.LLM)
	}
	if cfg.Turn.MaxToolIterations != 7 {
		t.Errorf("MaxToolIterations = %d, want 7", cfg.Turn.MaxToolIterations)
	}
	// Malformed numbers leave the YAML value in place.
	if cfg.History.Window != 25 {
		t.Errorf("Window = %d, want the YAML value 25", cfg.History.Window)
	}
	if len(cfg.Server.APIKeys) != 1 || cfg.Server.APIKeys[0] != "env-key" {
		t.Errorf("APIKeys = %v, want the appended env key", cfg.Server.APIKeys)
	}
}

func TestMCPServerConfigs_DefaultTransport(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.MCP.Servers = []config.MCPServerEntry{
		{Name: "files", Command: "mcp-files"},
		{Name: "remote", Transport: tool.MCPTransportStreamableHTTP, URL: "http://localhost:1234"},
	}

	out := cfg.MCPServerConfigs()
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Transport != tool.MCPTransportStdio {
		t.Errorf("empty transport = %q, want stdio default", out[0].Transport)
	}
	if out[1].Transport != tool.MCPTransportStreamableHTTP {
		t.Errorf("transport = %q", out[1].Transport)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()

	_, err := r.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if !strings.Contains(err.Error(), `llm/"nope"`) {
		t.Errorf("error should name the kind and provider, got: %v", err)
	}
}

func TestRegistry_CreatesBuiltins(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()

	if _, err := r.CreateLLM(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("CreateLLM(openai): %v", err)
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:9000"}); err != nil {
		t.Errorf("CreateSTT(whisper): %v", err)
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "elevenlabs", APIKey: "el-test"}); err != nil {
		t.Errorf("CreateTTS(elevenlabs): %v", err)
	}
}
