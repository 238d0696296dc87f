package config

import (
	"time"

	"github.com/rickgao/hasync/internal/retry"
)

// Config is the root configuration for a sync client.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Retry      RetryConfig      `yaml:"retry"`
	Database   DBConfig         `yaml:"database"`
	History    HistoryConfig    `yaml:"history"`
	Watch      WatchConfig      `yaml:"watch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig identifies the Home Assistant instance.
type ServerConfig struct {
	URL     string        `yaml:"url"`     // Base URL, e.g. http://homeassistant.local:8123
	Timeout time.Duration `yaml:"timeout"` // REST request timeout
}

// Auth modes.
const (
	AuthModeToken = "token" // Long-lived access token, never refreshed
	AuthModeOAuth = "oauth" // Stored OAuth token, refreshed before expiry
	AuthModeAuto  = "auto"  // OAuth when a stored token exists, else token
)

// AuthConfig selects and configures the credential.
type AuthConfig struct {
	Mode         string           `yaml:"mode"`
	Token        string           `yaml:"token"`         // Long-lived access token
	ClientID     string           `yaml:"client_id"`     // OAuth client id
	RefreshToken string           `yaml:"refresh_token"` // Seeds the token store on first run
	Store        TokenStoreConfig `yaml:"store"`
}

// TokenStoreConfig selects where OAuth tokens are persisted. The postgres
// backend uses the top-level database section.
type TokenStoreConfig struct {
	Backend string      `yaml:"backend"` // memory, redis or postgres
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConnectionConfig holds WebSocket and reconnect settings.
type ConnectionConfig struct {
	AutoReconnect      *bool         `yaml:"auto_reconnect"` // default true
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ResumeAttempts     int           `yaml:"resume_attempts"` // In-place socket resumes before a full reconnect (0 = off)
}

// AutoReconnectEnabled reports the effective auto_reconnect setting.
func (c ConnectionConfig) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// RefreshConfig holds credential refresh scheduler settings.
type RefreshConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Buffer     time.Duration `yaml:"buffer"`
	Periodic   RetryPolicy   `yaml:"periodic"`
	Visibility RetryPolicy   `yaml:"visibility"`
}

// RetryConfig holds per-operation retry tuning.
type RetryConfig struct {
	Service      RetryPolicy `yaml:"service"`
	Subscription RetryPolicy `yaml:"subscription"`
}

// RetryPolicy is the YAML form of retry.Policy.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Exponential *bool         `yaml:"exponential"` // default true
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Policy converts p to a retry.Policy.
func (p RetryPolicy) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		Exponential: p.Exponential == nil || *p.Exponential,
		MaxDelay:    p.MaxDelay,
	}
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Configured reports whether a database was specified.
func (db DBConfig) Configured() bool {
	return db.Host != ""
}

// HistoryConfig holds state history recording settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Entities      []string      `yaml:"entities"` // Defaults to watch.entities
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// WatchConfig lists the entities the daemon keeps in sync.
type WatchConfig struct {
	Entities []string `yaml:"entities"`
}

// MetricsConfig holds the health and Prometheus HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
