package hasync

import (
	"context"
	"fmt"

	"github.com/rickgao/hasync/internal/auth"
	"github.com/rickgao/hasync/internal/config"
)

// resolveCredential picks the credential for the configured auth mode.
//
// oauth uses the stored token for the server, or seeds one from the
// configured refresh token. auto prefers a stored OAuth token and falls back
// to the long-lived token. Refreshed OAuth tokens are written back to the
// token store.
func (c *Client) resolveCredential(ctx context.Context) (auth.Credential, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred != nil {
		return cred, nil
	}

	a := c.cfg.Auth
	switch a.Mode {
	case config.AuthModeToken:
		return auth.NewStatic(a.Token), nil

	case config.AuthModeOAuth, config.AuthModeAuto, "":
		tok, err := c.tokens.Load(ctx, c.cfg.Server.URL)
		if err != nil {
			return nil, fmt.Errorf("load stored token: %w", err)
		}
		if tok == nil && a.RefreshToken != "" {
			tok = &auth.Token{
				RefreshToken: a.RefreshToken,
				ClientID:     a.ClientID,
				HassURL:      c.cfg.Server.URL,
			}
		}
		if tok != nil {
			if tok.ClientID == "" {
				tok.ClientID = a.ClientID
			}
			c.logger.Info("using oauth credential",
				"client_id", tok.ClientID,
				"expires_at", tok.ExpiresAt,
			)
			return auth.NewOAuth(*tok, c.api,
				auth.WithLogger(c.logger.With("component", "auth")),
				auth.WithOnRefresh(c.persistToken),
			), nil
		}
		if a.Mode != config.AuthModeOAuth && a.Token != "" {
			return auth.NewStatic(a.Token), nil
		}
		return nil, fmt.Errorf("%w: no stored token for %s", ErrNoCredential, c.cfg.Server.URL)

	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrNoCredential, a.Mode)
	}
}

// persistToken saves a refreshed token. Failures are logged; the in-memory
// credential stays valid.
func (c *Client) persistToken(tok auth.Token) {
	if tok.HassURL == "" {
		tok.HassURL = c.cfg.Server.URL
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.Timeout)
	defer cancel()
	if err := c.tokens.Save(ctx, c.cfg.Server.URL, &tok); err != nil {
		c.logger.Warn("persist refreshed token", "error", err)
	}
}
