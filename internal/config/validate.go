package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server.url must include a host")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}
	if c.Auth.Store.Backend == "postgres" {
		if err := c.Database.validate("database"); err != nil {
			return fmt.Errorf("auth.store.backend postgres: %w", err)
		}
	}

	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}

	if c.Refresh.Interval <= 0 {
		return errors.New("refresh.interval must be > 0")
	}
	if c.Refresh.Buffer < 0 {
		return errors.New("refresh.buffer must be >= 0")
	}

	policies := []struct {
		name string
		p    RetryPolicy
	}{
		{"refresh.periodic", c.Refresh.Periodic},
		{"refresh.visibility", c.Refresh.Visibility},
		{"retry.service", c.Retry.Service},
		{"retry.subscription", c.Retry.Subscription},
	}
	for _, p := range policies {
		if err := p.p.validate(p.name); err != nil {
			return err
		}
	}

	if c.History.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return fmt.Errorf("history: %w", err)
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be >= 1")
		}
		if len(c.History.Entities) == 0 {
			return errors.New("history.entities (or watch.entities) is required when history is enabled")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (a *AuthConfig) validate() error {
	switch a.Mode {
	case AuthModeToken:
		if a.Token == "" {
			return errors.New("auth.token is required in token mode")
		}
	case AuthModeOAuth:
		if a.ClientID == "" {
			return errors.New("auth.client_id is required in oauth mode")
		}
	case AuthModeAuto:
		if a.Token == "" && a.ClientID == "" {
			return errors.New("auth.token or auth.client_id is required")
		}
	default:
		return fmt.Errorf("auth.mode must be token, oauth or auto, got %q", a.Mode)
	}

	switch a.Store.Backend {
	case "memory", "postgres":
	case "redis":
		if a.Store.Redis.Addr == "" {
			return errors.New("auth.store.redis.addr is required")
		}
	default:
		return fmt.Errorf("auth.store.backend must be memory, redis or postgres, got %q", a.Store.Backend)
	}
	return nil
}

func (p RetryPolicy) validate(prefix string) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be >= 1", prefix)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%s.base_delay must be >= 0", prefix)
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%s.max_delay (%s) cannot be below base_delay (%s)", prefix, p.MaxDelay, p.BaseDelay)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
