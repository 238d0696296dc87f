package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAuthMode           = AuthModeAuto
	DefaultTokenStore         = "memory"
	DefaultServerTimeout      = 30 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultRefreshInterval    = 30 * time.Minute
	DefaultRefreshBuffer      = 5 * time.Minute
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 1024
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

// Default retry policies per operation. Visibility-triggered refreshes fail
// faster than periodic ones.
var (
	DefaultServiceRetry = RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
	DefaultSubscriptionRetry = RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
	DefaultPeriodicRefreshRetry = RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    time.Minute,
	}
	DefaultVisibilityRefreshRetry = RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
	}
)

// ApplyDefaults fills unset fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultServerTimeout
	}

	// Auth defaults
	if c.Auth.Mode == "" {
		c.Auth.Mode = DefaultAuthMode
	}
	if c.Auth.Store.Backend == "" {
		c.Auth.Store.Backend = DefaultTokenStore
	}

	// Connection defaults
	conn := &c.Connection
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = DefaultConnectTimeout
	}
	if conn.RequestTimeout == 0 {
		conn.RequestTimeout = DefaultRequestTimeout
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PingTimeout == 0 {
		conn.PingTimeout = DefaultPingTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// Refresh defaults
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = DefaultRefreshInterval
	}
	if c.Refresh.Buffer == 0 {
		c.Refresh.Buffer = DefaultRefreshBuffer
	}
	applyRetryDefaults(&c.Refresh.Periodic, DefaultPeriodicRefreshRetry)
	applyRetryDefaults(&c.Refresh.Visibility, DefaultVisibilityRefreshRetry)

	// Retry defaults
	applyRetryDefaults(&c.Retry.Service, DefaultServiceRetry)
	applyRetryDefaults(&c.Retry.Subscription, DefaultSubscriptionRetry)

	// Database defaults
	if c.Database.Configured() {
		applyDBDefaults(&c.Database)
	}

	// History defaults
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultBufferSize
	}
	if len(c.History.Entities) == 0 {
		c.History.Entities = c.Watch.Entities
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyRetryDefaults(p *RetryPolicy, def RetryPolicy) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
