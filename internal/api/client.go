package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/hasync/internal/retry"
)

// Client provides access to the Home Assistant REST API.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	logger     *slog.Logger

	retry retry.Policy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. token is sent as a bearer token;
// empty means unauthenticated (the token endpoint needs no bearer).
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   func() string { return token },
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
		retry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			Exponential: true,
			MaxDelay:    10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.retry.ShouldRetry = shouldRetry
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration. max counts retries after the
// first attempt.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retry.MaxAttempts = max + 1
		c.retry.BaseDelay = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTokenSource reads the bearer token from fn on every request, so a
// refreshed credential is picked up without rebuilding the client.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) {
		c.token = fn
	}
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}
