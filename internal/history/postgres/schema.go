package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions, messages, tool-call audit log
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL DEFAULT '',
    status        TEXT         NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT         NOT NULL,
    session_id      TEXT         NOT NULL,
    turn_id         TEXT         NOT NULL DEFAULT '',
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL DEFAULT '',
    tool_calls_json JSONB,
    tool_call_id    TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created
    ON messages (session_id, created_at);
`

const ddlToolCallLog = `
CREATE TABLE IF NOT EXISTS tool_call_log (
    call_id     TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    turn_id     TEXT         NOT NULL DEFAULT '',
    name        TEXT         NOT NULL,
    args_json   JSONB,
    result_json JSONB,
    success     BOOLEAN      NOT NULL DEFAULT false,
    duration_ms BIGINT       NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_call_log_session
    ON tool_call_log (session_id);
`

// migrate applies the schema. All statements are idempotent.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlMessages, ddlToolCallLog} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}
