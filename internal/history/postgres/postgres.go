// Package postgres provides the PostgreSQL durable tier for the hybrid
// session store.
//
// One [pgxpool.Pool] backs three tables: sessions, messages, and the
// tool-call audit log. [New] establishes the pool, pings it, and applies the
// schema via CREATE TABLE IF NOT EXISTS, so a fresh database is usable
// without external migration tooling.
//
// All methods are safe for concurrent use.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loquax/internal/history"
	"github.com/MrWong99/loquax/pkg/types"
)

// Store is the durable tier implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time assertion that Store implements history.Durable.
var _ history.Durable = (*Store)(nil)

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// AppendMessages implements history.Durable. The session row is upserted and
// the message group inserted inside one transaction, so a group commits
// whole or not at all.
func (s *Store) AppendMessages(ctx context.Context, sessionID, turnID string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSession = `
		INSERT INTO sessions (id, status, created_at, last_activity)
		VALUES ($1, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE SET last_activity = now()`
	if _, err := tx.Exec(ctx, upsertSession, sessionID); err != nil {
		return fmt.Errorf("history postgres: upsert session: %w", err)
	}

	const insertMessage = `
		INSERT INTO messages
		    (id, session_id, turn_id, role, content, tool_calls_json, tool_call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, m := range msgs {
		var toolCallsJSON []byte
		if len(m.ToolCalls) > 0 {
			toolCallsJSON, err = json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("history postgres: marshal tool calls: %w", err)
			}
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.Exec(ctx, insertMessage,
			m.ID, sessionID, turnID, m.Role, m.Content, toolCallsJSON, m.ToolCallID, createdAt,
		); err != nil {
			return fmt.Errorf("history postgres: insert message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history postgres: commit: %w", err)
	}
	return nil
}

// LoadRecent implements history.Durable. It returns up to limit most-recent
// messages for the session, oldest first.
func (s *Store) LoadRecent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	const q = `
		SELECT id, role, content, tool_calls_json, tool_call_id, created_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history postgres: load recent: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m             types.Message
			toolCallsJSON []byte
		)
		if err := row.Scan(&m.ID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.CreatedAt); err != nil {
			return types.Message{}, err
		}
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
				return types.Message{}, err
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}

	// Query returns newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearSession implements history.Durable.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM tool_call_log WHERE session_id = $1`,
		`DELETE FROM messages WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("history postgres: clear session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history postgres: commit: %w", err)
	}
	return nil
}

// LogToolCall implements history.Durable.
func (s *Store) LogToolCall(ctx context.Context, rec history.ToolCallRecord) error {
	const q = `
		INSERT INTO tool_call_log
		    (call_id, session_id, turn_id, name, args_json, result_json, success, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	resultJSON, err := json.Marshal(map[string]any{"content": rec.Result})
	if err != nil {
		return fmt.Errorf("history postgres: marshal result: %w", err)
	}

	if _, err := s.pool.Exec(ctx, q,
		rec.CallID, rec.SessionID, rec.TurnID, rec.Name,
		rec.ArgsJSON, resultJSON, rec.Success,
		rec.Duration.Milliseconds(), rec.StartedAt,
	); err != nil {
		return fmt.Errorf("history postgres: log tool call: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
