// Package auth provides the credentials used to authenticate against Home
// Assistant: long-lived access tokens and refreshable OAuth tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/hasync/internal/api"
	"github.com/rickgao/hasync/internal/retry"
)

// Errors
var (
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrAuthInvalid    = errors.New("authentication invalid")
)

// Credential is a live handle on an access token.
type Credential interface {
	AccessToken() string
	Expiry() time.Time // Zero when the token does not expire
	IsExpired() bool
	Refresh(ctx context.Context) error
}

// Token is the persisted form of an OAuth credential.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
	HassURL      string    `json:"hass_url"`
}

// Expired reports whether the token is expired at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenEndpoint performs the refresh-token grant. *api.Client implements it.
type TokenEndpoint interface {
	RefreshToken(ctx context.Context, clientID, refreshToken string) (*api.TokenResponse, error)
}

// RefreshIfExpiring refreshes cred when it expires within buffer. It reports
// whether a refresh was performed.
func RefreshIfExpiring(ctx context.Context, cred Credential, buffer time.Duration) (bool, error) {
	exp := cred.Expiry()
	if exp.IsZero() || time.Until(exp) > buffer {
		return false, nil
	}
	if err := cred.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// -----------------------------------------------------------------------------
// Static
// -----------------------------------------------------------------------------

// Static is a long-lived access token. It never refreshes.
type Static struct {
	token  string
	expiry time.Time
}

// NewStatic creates a Static credential. The expiry is read from the token's
// exp claim when present.
func NewStatic(token string) *Static {
	exp, _ := ParseExpiry(token)
	return &Static{token: token, expiry: exp}
}

func (s *Static) AccessToken() string { return s.token }
func (s *Static) Expiry() time.Time   { return s.expiry }

func (s *Static) IsExpired() bool {
	return !s.expiry.IsZero() && !time.Now().Before(s.expiry)
}

// Refresh is a no-op for an unexpired token. An expired long-lived token
// cannot be renewed and requires re-authentication.
func (s *Static) Refresh(ctx context.Context) error {
	if s.IsExpired() {
		return retry.Permanent(fmt.Errorf("%w: long-lived token expired", ErrRefreshFailed))
	}
	return nil
}

// -----------------------------------------------------------------------------
// OAuth
// -----------------------------------------------------------------------------

// OAuth is a refreshable credential. Concurrent Refresh calls share one
// request to the token endpoint.
type OAuth struct {
	endpoint  TokenEndpoint
	logger    *slog.Logger
	onRefresh func(Token)

	mu    sync.RWMutex
	token Token

	group singleflight.Group
}

// OAuthOption configures an OAuth credential.
type OAuthOption func(*OAuth)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OAuthOption {
	return func(o *OAuth) {
		o.logger = logger
	}
}

// WithOnRefresh registers fn to receive the token after every successful
// refresh, typically to persist it.
func WithOnRefresh(fn func(Token)) OAuthOption {
	return func(o *OAuth) {
		o.onRefresh = fn
	}
}

// NewOAuth creates an OAuth credential from a stored token. A missing
// ExpiresAt is filled from the access token's exp claim.
func NewOAuth(tok Token, endpoint TokenEndpoint, opts ...OAuthOption) *OAuth {
	if tok.ExpiresAt.IsZero() {
		if exp, err := ParseExpiry(tok.AccessToken); err == nil {
			tok.ExpiresAt = exp
		}
	}

	o := &OAuth{
		endpoint: endpoint,
		logger:   slog.Default(),
		token:    tok,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Token returns a copy of the current token.
func (o *OAuth) Token() Token {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.token
}

func (o *OAuth) AccessToken() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.token.AccessToken
}

func (o *OAuth) Expiry() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.token.ExpiresAt
}

func (o *OAuth) IsExpired() bool {
	return o.Token().Expired(time.Now())
}

// Refresh exchanges the refresh token for a new access token and updates the
// credential in place. Rejections by the server wrap ErrRefreshFailed and are
// marked permanent; network and server errors are returned as-is.
func (o *OAuth) Refresh(ctx context.Context) error {
	ch := o.group.DoChan("refresh", func() (any, error) {
		return nil, o.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (o *OAuth) refresh(ctx context.Context) error {
	tok := o.Token()
	if tok.RefreshToken == "" {
		return retry.Permanent(fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoRefreshToken))
	}

	resp, err := o.endpoint.RefreshToken(ctx, tok.ClientID, tok.RefreshToken)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrRefreshFailed, err))
		}
		return err
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.ExpiresIn <= 0 {
		if exp, err := ParseExpiry(resp.AccessToken); err == nil {
			expiresAt = exp
		}
	}

	o.mu.Lock()
	o.token.AccessToken = resp.AccessToken
	o.token.ExpiresAt = expiresAt
	if resp.RefreshToken != "" {
		o.token.RefreshToken = resp.RefreshToken
	}
	updated := o.token
	o.mu.Unlock()

	o.logger.Info("access token refreshed", "expires_at", expiresAt)

	if o.onRefresh != nil {
		o.onRefresh(updated)
	}
	return nil
}
