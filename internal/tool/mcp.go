package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/loquax/pkg/types"
)

// MCP transports supported for external tool servers.
const (
	MCPTransportStdio          = "stdio"
	MCPTransportStreamableHTTP = "streamable-http"
)

// MCPServerConfig describes an external MCP tool server to import.
type MCPServerConfig struct {
	// Name identifies the server within the registry.
	Name string

	// Transport selects how to reach the server: [MCPTransportStdio] or
	// [MCPTransportStreamableHTTP].
	Transport string

	// Command is the stdio launch command, split on spaces into executable
	// plus arguments. Stdio transport only.
	Command string

	// URL is the endpoint address. Streamable-HTTP transport only.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// mcpServerConn holds a live connection to an external MCP server.
type mcpServerConn struct {
	session *mcpsdk.ClientSession
}

// mcpClient is shared across all server connections; the SDK allows a single
// Client to manage multiple sessions concurrently.
var mcpClient = mcpsdk.NewClient(
	&mcpsdk.Implementation{Name: "loquax-tools", Version: "1.0.0"},
	nil,
)

// RegisterMCPServer connects to the MCP server described by cfg and imports
// its tool catalogue into the registry. Imported tools dispatch through the
// server session; they pass through the same validation, timeout, and error
// mapping as built-in tools. Registering a server name twice replaces the
// earlier connection and its tools.
func (r *Registry) RegisterMCPServer(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool: MCP server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tool: stdio MCP server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tool: streamable-http MCP server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("tool: unknown MCP transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tool: connect to MCP server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tool: list tools of MCP server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *t)
	}

	r.mu.Lock()
	if old, ok := r.servers[cfg.Name]; ok {
		_ = old.session.Close()
	}
	r.servers[cfg.Name] = mcpServerConn{session: session}
	r.mu.Unlock()

	for _, t := range discovered {
		def := types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			// MCP servers give no cacheability hints; external tools may have
			// side effects, so they are conservatively uncached.
			Cacheable:  false,
			Idempotent: false,
		}
		if err := r.Register(Tool{
			Definition: def,
			Handler:    mcpHandler(session, t.Name),
		}); err != nil {
			return fmt.Errorf("tool: register MCP tool %q: %w", t.Name, err)
		}
	}

	return nil
}

// mcpHandler returns a Handler that routes a call to the server session and
// concatenates the text content of the response.
func mcpHandler(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("tool: MCP call %q: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", fmt.Errorf("tool: MCP tool %q reported: %s", name, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all MCP server connections. Built-in tools stay
// registered; only server-backed tools become unreachable.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, conn := range r.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tool: close MCP server %q: %w", name, err)
		}
		delete(r.servers, name)
	}
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
