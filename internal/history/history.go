// Package history implements the hybrid conversation store: a sharded
// in-process hot tier holding the most-recent message window per session,
// with an optional write-through durable tier behind it.
//
// The hot tier is authoritative for the live turn. Durable failures are
// absorbed: logged, counted on a metric, and never surfaced to the request.
// On a hot-tier miss the store hydrates from the durable tier when one is
// configured.
package history

import (
	"context"
	"time"

	"github.com/MrWong99/loquax/pkg/types"
)

// Defaults for the hot tier.
const (
	// DefaultWindow is the per-session message window W.
	DefaultWindow = 20

	// DefaultHotTTL is how long an inactive session stays in the hot tier.
	DefaultHotTTL = 30 * time.Minute
)

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	// HotSessions is the number of sessions resident in the hot tier.
	HotSessions int `json:"hot_sessions"`

	// HotMessages is the total message count across all hot sessions.
	HotMessages int `json:"hot_messages"`

	// DurableBacked reports whether a durable tier is configured.
	DurableBacked bool `json:"durable_backed"`
}

// Store is the session history contract consumed by the turn orchestrator
// and the HTTP surface.
type Store interface {
	// Get returns the most-recent message window for the session, oldest
	// first. A session that has never been written returns an empty slice.
	Get(ctx context.Context, sessionID string) ([]types.Message, error)

	// Append atomically adds a turn's message group to the session. turnID
	// ties the group together; eviction only ever removes whole groups.
	Append(ctx context.Context, sessionID, turnID string, msgs ...types.Message) error

	// Clear removes the session from every tier.
	Clear(ctx context.Context, sessionID string) error

	// Stats returns current occupancy.
	Stats() Stats
}

// Durable is the write-through backing tier. Implementations must be safe
// for concurrent use.
type Durable interface {
	// AppendMessages persists a turn's message group atomically.
	AppendMessages(ctx context.Context, sessionID, turnID string, msgs []types.Message) error

	// LoadRecent returns up to limit most-recent messages, oldest first.
	LoadRecent(ctx context.Context, sessionID string, limit int) ([]types.Message, error)

	// ClearSession removes all rows for the session.
	ClearSession(ctx context.Context, sessionID string) error

	// LogToolCall records a dispatch in the audit log.
	LogToolCall(ctx context.Context, rec ToolCallRecord) error
}

// ToolCallRecord is one row of the tool-call audit log.
type ToolCallRecord struct {
	CallID    string
	SessionID string
	TurnID    string
	Name      string
	ArgsJSON  string
	Result    string
	Success   bool
	Duration  time.Duration
	StartedAt time.Time
}
