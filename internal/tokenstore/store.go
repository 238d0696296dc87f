// Package tokenstore persists OAuth tokens between runs, keyed by the Home
// Assistant base URL. Loading a token that is expired and has no refresh
// token evicts it and returns nil.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/hasync/internal/auth"
)

// Errors
var (
	ErrUnknownBackend = errors.New("unknown token store backend")
)

// Store saves and loads tokens.
type Store interface {
	Save(ctx context.Context, hassURL string, tok *auth.Token) error
	// Load returns nil, nil when no usable token is stored. A token whose
	// access token has expired is still returned, and kept, while it carries
	// a refresh token; only expired tokens without one are evicted and
	// reported as missing. Implementations must apply the same rule.
	Load(ctx context.Context, hassURL string) (*auth.Token, error)
	Remove(ctx context.Context, hassURL string) error
}

// stale reports whether tok can no longer produce an access token: it is
// expired and cannot be refreshed.
func stale(tok *auth.Token, now time.Time) bool {
	return tok.Expired(now) && tok.RefreshToken == ""
}

// normalizeURL makes http://host:8123/ and http://host:8123 the same key.
func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func encode(tok *auth.Token) ([]byte, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*auth.Token, error) {
	var tok auth.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	tokens map[string]auth.Token
	now    func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tokens: make(map[string]auth.Token),
		now:    time.Now,
	}
}

func (m *Memory) Save(_ context.Context, hassURL string, tok *auth.Token) error {
	if tok == nil {
		return errors.New("save token: nil token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[normalizeURL(hassURL)] = *tok
	return nil
}

func (m *Memory) Load(_ context.Context, hassURL string) (*auth.Token, error) {
	key := normalizeURL(hassURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[key]
	if !ok {
		return nil, nil
	}
	if stale(&tok, m.now()) {
		delete(m.tokens, key)
		return nil, nil
	}
	return &tok, nil
}

func (m *Memory) Remove(_ context.Context, hassURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, normalizeURL(hassURL))
	return nil
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Open creates the Store for backend. db is required for postgres.
func Open(backend string, redisCfg RedisConfig, db DB, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return NewRedis(redisCfg, logger), nil
	case BackendPostgres:
		if db == nil {
			return nil, errors.New("postgres token store: no database")
		}
		return NewPostgres(db, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
