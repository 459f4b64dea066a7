// Package stream implements the turn event stream: a versioned event schema
// shared by the server-push (SSE) and full-duplex (WebSocket) transports,
// with a bounded per-connection buffer and explicit backpressure semantics.
//
// Within a turn, events preserve causal order: start first, text deltas in
// generation order, each tool.start before its tool.end, audio chunks with a
// strictly monotonic sequence, and exactly one terminal event (end or error).
// The orchestrator produces events through [Stream.Publish]; a transport
// writer drains them. When the transport cannot keep up the producer blocks,
// a warning is emitted once the burst clears, and persistent overflow
// terminates the stream with a backpressure error.
package stream

import "encoding/json"

// SchemaVersion is the current event schema version. Breaking changes to the
// event payloads increment it.
const SchemaVersion = 1

// Event types.
const (
	EventStart      = "start"
	EventTextDelta  = "text.delta"
	EventToolStart  = "tool.start"
	EventToolEnd    = "tool.end"
	EventAudioChunk = "audio.chunk"
	EventWarning    = "warning"
	EventError      = "error"
	EventEnd        = "end"
)

// Event is one frame of the turn stream. Only the fields relevant to the
// event type are populated; all serialize with omitempty so the wire frames
// stay small.
type Event struct {
	Version int    `json:"v"`
	Type    string `json:"type"`

	// start / end
	TurnID    string `json:"turn_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// text.delta
	Text string `json:"text,omitempty"`

	// tool.start / tool.end
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs string `json:"tool_args,omitempty"`
	Success  bool   `json:"success,omitempty"`

	// audio.chunk; Audio is base64 in JSON.
	Audio    []byte `json:"audio,omitempty"`
	Sequence int    `json:"sequence,omitempty"`

	// warning / error
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event ends its turn's stream.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// Start builds the turn-opening event.
func Start(turnID, sessionID string) Event {
	return Event{Version: SchemaVersion, Type: EventStart, TurnID: turnID, SessionID: sessionID}
}

// TextDelta builds an incremental text event.
func TextDelta(text string) Event {
	return Event{Version: SchemaVersion, Type: EventTextDelta, Text: text}
}

// ToolStart announces a tool dispatch.
func ToolStart(callID, name, args string) Event {
	return Event{Version: SchemaVersion, Type: EventToolStart, CallID: callID, ToolName: name, ToolArgs: args}
}

// ToolEnd reports a tool outcome. msg carries the error kind's user message
// on failure and is empty on success.
func ToolEnd(callID string, success bool, kind, msg string) Event {
	return Event{Version: SchemaVersion, Type: EventToolEnd, CallID: callID, Success: success, Kind: kind, Message: msg}
}

// AudioChunk wraps synthesized audio with its monotonic sequence number.
func AudioChunk(audio []byte, sequence int) Event {
	return Event{Version: SchemaVersion, Type: EventAudioChunk, Audio: audio, Sequence: sequence}
}

// Warning builds a non-terminal warning event.
func Warning(code, message string) Event {
	return Event{Version: SchemaVersion, Type: EventWarning, Code: code, Message: message}
}

// Error builds the terminal error event.
func Error(kind, message string) Event {
	return Event{Version: SchemaVersion, Type: EventError, Kind: kind, Message: message}
}

// End builds the terminal success event.
func End(turnID string) Event {
	return Event{Version: SchemaVersion, Type: EventEnd, TurnID: turnID}
}

// Encode renders the event as a single JSON frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ─────────────────────────────────────────────────────────────────────────────
// Client → server control events (duplex socket)
// ─────────────────────────────────────────────────────────────────────────────

// Control event types accepted from clients on the duplex socket.
const (
	ControlMessage    = "message"
	ControlCancel     = "cancel"
	ControlBargeIn    = "barge-in"
	ControlAudioChunk = "audio.chunk"
)

// Control is a client-to-server event on the full-duplex socket. A message
// control starts a turn; cancel and barge-in stop the turn in flight;
// audio.chunk carries live mic input consumed by the next text-less message.
type Control struct {
	Type string `json:"type"`

	// message fields.
	Text       string `json:"text,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	OutputMode string `json:"output_mode,omitempty"`
	Voice      string `json:"voice,omitempty"`

	// Audio carries live mic input for audio.chunk controls or an inline
	// blob for message controls, base64 on the wire.
	Audio []byte `json:"audio,omitempty"`

	// Format declares the audio encoding ("wav", "pcm16", "opus").
	Format string `json:"format,omitempty"`
}

// DecodeControl parses a client frame.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, err
	}
	return c, nil
}
