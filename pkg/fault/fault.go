// Package fault defines the stable error-kind taxonomy surfaced to clients
// and fed back to the LLM.
//
// Every error that crosses a component boundary is classified into a [Kind].
// The kind is what clients program against; the message is short, friendly,
// and never contains raw vendor errors. Internal detail travels in the
// wrapped cause and is only ever logged.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	// KindInputInvalid covers empty text, bad audio, and validation failures.
	KindInputInvalid Kind = "input_invalid"

	// KindAuthDenied covers missing or invalid credentials.
	KindAuthDenied Kind = "auth_denied"

	// KindToolNotFound is returned when the LLM requests an unknown tool.
	KindToolNotFound Kind = "tool_not_found"

	// KindToolFault is returned when a tool handler fails.
	KindToolFault Kind = "tool_fault"

	// KindToolTimeout is returned when a tool exceeds its per-call deadline.
	KindToolTimeout Kind = "tool_timeout"

	// KindExternalUnavailable covers unreachable LLM/STT/TTS providers.
	KindExternalUnavailable Kind = "external_unavailable"

	// KindTimeout is returned when the per-turn deadline is exceeded.
	KindTimeout Kind = "timeout"

	// KindBackpressure is returned when a stream buffer overflows persistently.
	KindBackpressure Kind = "backpressure"

	// KindCancelled is returned when the client cancelled or disconnected.
	KindCancelled Kind = "cancelled"

	// KindInternal covers programming faults. The catch-all.
	KindInternal Kind = "internal"
)

// Error is an error carrying a [Kind] and a user-safe message.
// The wrapped cause (if any) is for logs only and never reaches clients.
type Error struct {
	// Kind is the stable category code.
	Kind Kind

	// Message is short, friendly, and safe to show to an end user.
	Message string

	// cause is the underlying error, if any.
	cause error
}

// New creates a fault Error with the given kind and user-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a fault Error wrapping cause. The message must still be
// user-safe; cause is only reachable via [errors.Unwrap].
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Errorf creates a fault Error with a formatted user-safe message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a fault Error with the same Kind.
// This lets callers write errors.Is(err, &fault.Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// KindOf classifies an arbitrary error into a [Kind].
//
// Fault errors report their own kind. Context errors map to KindTimeout and
// KindCancelled. Everything else is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the user-safe message for err. Fault errors return
// their Message; all other errors collapse to a generic apology so that raw
// vendor or runtime errors never reach a client.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	switch KindOf(err) {
	case KindTimeout:
		return "Sorry, that took too long. Please try again."
	case KindCancelled:
		return "Request cancelled."
	default:
		return "Sorry, something went wrong on our side."
	}
}

// Retriable reports whether an error represents a clearly transient failure
// worth one retry: provider unavailability and timeouts qualify, everything
// else does not.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindExternalUnavailable, KindTimeout, KindToolTimeout:
		return true
	}
	return false
}
