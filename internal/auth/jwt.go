package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned by ParseExpiry for tokens without an exp claim.
var ErrNoExpiry = errors.New("token has no exp claim")

// ParseExpiry reads the exp claim of a JWT access token without verifying
// its signature. Home Assistant access tokens are JWTs signed with a key only
// the server holds; the client only needs to know when to refresh.
func ParseExpiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
