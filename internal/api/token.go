package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// RefreshToken exchanges a refresh token for a new access token. The request
// is unauthenticated; the refresh token is the credential. It is sent once:
// callers own the retry policy for refreshes.
func (c *Client) RefreshToken(ctx context.Context, clientID, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}

	body, err := c.doRequest(ctx, request{
		method: http.MethodPost,
		path:   "/auth/token",
		form:   form,
		noAuth: true,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			var tokErr TokenErrorResponse
			if json.Unmarshal(apiErr.Body, &tokErr) == nil && tokErr.Error != "" {
				apiErr.Message = tokErr.Error
				if tokErr.ErrorDescription != "" {
					apiErr.Message += ": " + tokErr.ErrorDescription
				}
			}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("refresh token: empty access_token in response")
	}
	return &resp, nil
}
