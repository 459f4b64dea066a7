// Package types defines the shared types used across all Loquax packages.
//
// These types form the lingua franca between providers, the turn
// orchestrator, the history store, and the stream multiplexer. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Message roles. Stored as plain strings so that messages survive JSON and
// database round-trips without a custom codec.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single utterance in a conversation history.
//
// Exactly one of (non-empty Content, non-empty ToolCalls) is set for
// assistant messages. A tool message carries ToolCallID referring to a
// ToolCall in the immediately preceding assistant message of the same turn.
type Message struct {
	// ID is a unique identifier for this message.
	ID string `json:"id,omitempty"`

	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message. May be empty on assistant
	// messages that carry only ToolCalls.
	Content string `json:"content"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// CreatedAt is when the message was produced.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call within its turn.
	ID string `json:"id"`

	// Name is the tool name as registered in the tool registry.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments object.
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of executing a single ToolCall.
type ToolResult struct {
	// CallID matches the ToolCall.ID this result answers.
	CallID string `json:"call_id"`

	// Success reports whether the tool completed without error.
	Success bool `json:"success"`

	// Content is the JSON-encoded result payload on success, or a short
	// model-safe description of the failure otherwise.
	Content string `json:"content"`

	// ErrorKind is the stable error-kind code on failure ("" on success).
	ErrorKind string `json:"error_kind,omitempty"`

	// Duration is how long the dispatch took.
	Duration time.Duration `json:"duration_ms"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier in the registry.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Returns is the JSON Schema describing the tool's result shape.
	// May be nil for tools with free-form output.
	Returns map[string]any

	// MaxDurationMs is the per-call hard timeout in milliseconds.
	// Zero means the registry default applies.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool

	// Cacheable indicates whether successful results may be memoized.
	// Clock- and randomness-sensitive tools set this to false.
	Cacheable bool

	// CacheTTLSeconds overrides the registry-default cache TTL for this tool.
	// Zero means use the default. Ignored when Cacheable is false.
	CacheTTLSeconds int
}

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration

	// Language is the detected or configured BCP-47 language tag, if known.
	Language string
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// VolumeGain adjusts output volume (-10 to +10 dB, 0 = default).
	VolumeGain float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool

	// SupportsSamplingParams indicates the model accepts temperature and
	// related sampling parameters. Reasoning-model families reject them; the
	// client strips the parameters when this is false.
	SupportsSamplingParams bool
}
