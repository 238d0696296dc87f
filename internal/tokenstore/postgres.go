package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/hasync/internal/auth"
)

// PostgresSchema creates the token table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS hass_tokens (
	hass_url    TEXT PRIMARY KEY,
	token       JSONB       NOT NULL,
	expires_at  TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores tokens in the hass_tokens table.
type Postgres struct {
	db     DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres creates a Postgres store. Call EnsureSchema once before use.
func NewPostgres(db DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates the token table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create hass_tokens: %w", err)
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, hassURL string, tok *auth.Token) error {
	if tok == nil {
		return errors.New("save token: nil token")
	}
	data, err := encode(tok)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if !tok.ExpiresAt.IsZero() {
		expiresAt = &tok.ExpiresAt
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO hass_tokens (hass_url, token, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (hass_url) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, updated_at = now()
	`, normalizeURL(hassURL), data, expiresAt)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, hassURL string) (*auth.Token, error) {
	var data []byte
	err := p.db.QueryRow(ctx,
		`SELECT token FROM hass_tokens WHERE hass_url = $1`,
		normalizeURL(hassURL),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	tok, err := decode(data)
	if err != nil {
		return nil, err
	}
	if stale(tok, p.now()) {
		if err := p.Remove(ctx, hassURL); err != nil {
			p.logger.Warn("evict expired token", "url", hassURL, "error", err)
		}
		return nil, nil
	}
	return tok, nil
}

func (p *Postgres) Remove(ctx context.Context, hassURL string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM hass_tokens WHERE hass_url = $1`, normalizeURL(hassURL)); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
