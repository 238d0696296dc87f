package hasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/hasync/internal/api"
	"github.com/rickgao/hasync/internal/auth"
	"github.com/rickgao/hasync/internal/config"
	"github.com/rickgao/hasync/internal/connection"
	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/refresh"
	"github.com/rickgao/hasync/internal/retry"
	"github.com/rickgao/hasync/internal/store"
	"github.com/rickgao/hasync/internal/tokenstore"
)

// Errors
var (
	ErrNoCredential   = errors.New("no usable credential")
	ErrAlreadyStarted = errors.New("client already started")
)

// Client is a running sync session against one Home Assistant instance.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	api       *api.Client
	tokens    tokenstore.Store
	store     *store.Store
	manager   *connection.Manager
	refresher *refresh.Scheduler
	dial      connection.DialFunc
	onReauth  func(error)

	servicePolicy retry.Policy

	mu      sync.RWMutex
	cred    auth.Credential
	started bool
	stopped bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTokenStore persists OAuth tokens in ts instead of memory.
func WithTokenStore(ts tokenstore.Store) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithCredential uses cred instead of resolving one from the auth config.
func WithCredential(cred auth.Credential) Option {
	return func(c *Client) {
		c.cred = cred
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial connection.DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithOnReauth registers fn to be called when the credential was rejected
// and automatic reconnects are suspended.
func WithOnReauth(fn func(error)) Option {
	return func(c *Client) {
		c.onReauth = fn
	}
}

// New creates a Client. cfg should come from config.LoadAndValidate or have
// ApplyDefaults called on it.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	c := &Client{
		cfg:           cfg,
		logger:        slog.Default(),
		servicePolicy: cfg.Retry.Service.Policy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tokens == nil {
		c.tokens = tokenstore.NewMemory()
	}
	if c.dial == nil {
		c.dial = c.dialWebSocket
	}

	c.api = api.NewClient(cfg.Server.URL, "",
		api.WithTimeout(cfg.Server.Timeout),
		api.WithLogger(c.logger.With("component", "api")),
		api.WithTokenSource(c.accessToken),
	)

	c.store = store.New(store.Config{
		Retry:        cfg.Retry.Subscription.Policy(),
		SetupTimeout: cfg.Connection.RequestTimeout,
		OnError: func(entityID string, err error) {
			c.logger.Warn("entity subscription failed", "entity_id", entityID, "error", err)
		},
	}, c.logger.With("component", "store"))

	c.manager = connection.NewManager(connection.ManagerConfig{
		AutoReconnect:     cfg.Connection.AutoReconnectEnabled(),
		ReconnectBaseWait: cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Connection.ReconnectMaxDelay,
		ConnectTimeout:    cfg.Connection.ConnectTimeout,
		OnReauth:          c.reauthRequired,
	}, c.dial, c.logger.With("component", "connection"))

	c.manager.OnTransport(func(t connection.Transport) {
		if t == nil {
			c.store.SetTransport(nil)
			return
		}
		c.store.SetTransport(t)
	})

	return c, nil
}

// Start resolves the credential and begins connecting. It does not wait for
// the connection; use State or Watch for progress.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	cred, err := c.resolveCredential(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.cred = cred
	c.refresher = refresh.New(refresh.Config{
		Interval:   c.cfg.Refresh.Interval,
		Buffer:     c.cfg.Refresh.Buffer,
		Timeout:    c.cfg.Server.Timeout,
		Periodic:   c.cfg.Refresh.Periodic.Policy(),
		Visibility: c.cfg.Refresh.Visibility.Policy(),
	}, cred, c.logger.With("component", "refresh"))
	c.mu.Unlock()

	if err := c.refresher.Start(ctx); err != nil {
		return fmt.Errorf("start refresh scheduler: %w", err)
	}
	c.refresher.Attach(c.manager)

	return c.manager.Start(ctx)
}

// Stop closes the connection, cancels all timers and clears the store. A
// stopped Client cannot be restarted.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	refresher := c.refresher
	c.mu.Unlock()

	if refresher != nil {
		if err := refresher.Stop(ctx); err != nil {
			c.logger.Warn("refresh scheduler stop", "error", err)
		}
	}
	if err := c.manager.Stop(ctx); err != nil {
		c.logger.Warn("connection manager stop", "error", err)
	}
	c.store.Clear()
	return nil
}

// Watch registers fn for every snapshot of entityID and returns the func that
// removes it. The cached snapshot, if any, is not replayed; read it with
// Entity.
func (c *Client) Watch(entityID string, fn func(model.EntityState)) (unwatch func()) {
	return c.store.Register(entityID, fn)
}

// Entity returns the cached snapshot for entityID, or a placeholder with
// state "unknown" when nothing has been received yet.
func (c *Client) Entity(entityID string) model.EntityState {
	return c.store.EntityOrPlaceholder(entityID)
}

// Err returns the retained subscription error for entityID, if any.
func (c *Client) Err(entityID string) error {
	return c.store.Err(entityID)
}

// CallService invokes a Home Assistant service over the live connection,
// retrying transient failures with the service retry policy. Unsupported
// services, invalid parameters and unknown entities fail immediately.
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error) {
	policy := c.servicePolicy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		c.logger.Debug("service call failed, retrying",
			"service", call.Domain+"."+call.Service,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
	}

	return retry.DoValue(ctx, func(ctx context.Context) (json.RawMessage, error) {
		st := c.manager.State()
		if !st.Connected() || st.Transport == nil {
			return nil, connection.ErrNotConnected
		}
		return st.Transport.CallService(ctx, call)
	}, policy)
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.manager.State()
}

// OnState calls fn on every connection state change until the returned func
// is called.
func (c *Client) OnState(fn func(connection.State)) (cancel func()) {
	return c.manager.Watch(fn)
}

// RetryCountdown returns the time until the next automatic reconnect.
func (c *Client) RetryCountdown() time.Duration {
	return c.manager.RetryCountdown()
}

// Reconnect drops the connection and reconnects immediately.
func (c *Client) Reconnect() {
	c.manager.Reconnect()
}

// VisibilityRegained tells the client its user is back, prompting a
// credential check.
func (c *Client) VisibilityRegained() {
	c.mu.RLock()
	refresher := c.refresher
	c.mu.RUnlock()
	if refresher != nil {
		refresher.VisibilityRegained()
	}
}

// Stats returns store statistics.
func (c *Client) Stats() store.Stats {
	return c.store.Stats()
}

// Interested returns the ids with at least one watcher.
func (c *Client) Interested() []string {
	return c.store.Interested()
}

// Credential returns the active credential, nil before Start.
func (c *Client) Credential() auth.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred
}

// CheckServer verifies the REST API is reachable with the current
// credential and returns the server configuration.
func (c *Client) CheckServer(ctx context.Context) (*api.ConfigResponse, error) {
	if _, err := c.api.Status(ctx); err != nil {
		return nil, fmt.Errorf("check server: %w", err)
	}
	cfg, err := c.api.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("check server: %w", err)
	}
	return cfg, nil
}

// accessToken is the REST client's token source.
func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return ""
	}
	return c.cred.AccessToken()
}

// handshakeToken returns the token for the WebSocket auth handshake,
// refreshing first when the credential is missing or expired.
func (c *Client) handshakeToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred == nil {
		return "", ErrNoCredential
	}

	if cred.AccessToken() == "" || cred.IsExpired() {
		if err := cred.Refresh(ctx); err != nil {
			return "", fmt.Errorf("refresh before connect: %w", err)
		}
	}
	return cred.AccessToken(), nil
}

// dialWebSocket opens an authenticated Home Assistant WebSocket transport.
func (c *Client) dialWebSocket(ctx context.Context) (connection.Transport, error) {
	wsURL, err := connection.WebSocketURL(c.cfg.Server.URL)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	conn := c.cfg.Connection
	hcfg := connection.DefaultHassConfig()
	hcfg.Client = connection.ClientConfig{
		URL:              wsURL,
		PingInterval:     conn.PingInterval,
		PingTimeout:      conn.PingTimeout,
		WriteTimeout:     conn.WriteTimeout,
		HandshakeTimeout: conn.HandshakeTimeout,
		BufferSize:       connection.DefaultClientConfig().BufferSize,
	}
	hcfg.AccessToken = c.handshakeToken
	hcfg.RequestTimeout = conn.RequestTimeout
	if conn.ResumeAttempts > 0 {
		hcfg.Resume = retry.Policy{
			MaxAttempts: conn.ResumeAttempts,
			BaseDelay:   conn.ReconnectBaseDelay,
			Exponential: true,
			MaxDelay:    conn.ReconnectMaxDelay,
		}
	}

	h, err := connection.Dial(ctx, hcfg, c.logger.With("component", "transport"))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// reauthRequired runs when the manager stopped retrying because the
// credential was rejected.
func (c *Client) reauthRequired(err error) {
	c.logger.Error("credential rejected, re-authentication required", "error", err)

	if errors.Is(err, auth.ErrRefreshFailed) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rmErr := c.tokens.Remove(ctx, c.cfg.Server.URL); rmErr != nil {
			c.logger.Warn("remove rejected token", "error", rmErr)
		}
	}

	if c.onReauth != nil {
		c.onReauth(err)
	}
}
