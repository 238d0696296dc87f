package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/hasync/internal/auth"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default: "hasync:token:"
}

// redisClient is the subset of redis.UniversalClient used by Redis.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores tokens as JSON strings. Tokens without a refresh token carry
// a TTL matching their expiry so Redis evicts them itself.
type Redis struct {
	client redisClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedis creates a Redis store with its own client.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg.KeyPrefix, logger)
}

// NewRedisWithClient creates a Redis store on an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	return newRedis(client, prefix, logger)
}

func newRedis(client redisClient, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "hasync:token:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Redis) key(hassURL string) string {
	return r.prefix + normalizeURL(hassURL)
}

func (r *Redis) Save(ctx context.Context, hassURL string, tok *auth.Token) error {
	if tok == nil {
		return errors.New("save token: nil token")
	}
	data, err := encode(tok)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if tok.RefreshToken == "" && !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return r.Remove(ctx, hassURL)
		}
	}

	if err := r.client.Set(ctx, r.key(hassURL), data, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, hassURL string) (*auth.Token, error) {
	data, err := r.client.Get(ctx, r.key(hassURL)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	tok, err := decode(data)
	if err != nil {
		return nil, err
	}
	if stale(tok, r.now()) {
		if err := r.Remove(ctx, hassURL); err != nil {
			r.logger.Warn("evict expired token", "url", hassURL, "error", err)
		}
		return nil, nil
	}
	return tok, nil
}

func (r *Redis) Remove(ctx context.Context, hassURL string) error {
	if err := r.client.Del(ctx, r.key(hassURL)).Err(); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// Close closes the underlying client when it supports closing.
func (r *Redis) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
