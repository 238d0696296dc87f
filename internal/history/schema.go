package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the state_history table.
const Schema = `
CREATE TABLE IF NOT EXISTS state_history (
	id            UUID PRIMARY KEY,
	entity_id     TEXT        NOT NULL,
	state         TEXT        NOT NULL,
	attributes    JSONB       NOT NULL DEFAULT '{}',
	last_changed  TIMESTAMPTZ NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL,
	context_id    TEXT        NOT NULL DEFAULT '',
	received_at   BIGINT      NOT NULL,
	UNIQUE (entity_id, last_updated)
);

CREATE INDEX IF NOT EXISTS state_history_entity_time
	ON state_history (entity_id, last_updated DESC);
`

// Execer runs a statement.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the history table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create state_history: %w", err)
	}
	return nil
}
