package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/hasync/internal/api"
	"github.com/rickgao/hasync/internal/retry"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"iss": "test"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// fakeEndpoint implements TokenEndpoint.
type fakeEndpoint struct {
	calls int32
	delay time.Duration
	resp  *api.TokenResponse
	err   error
}

func (f *fakeEndpoint) RefreshToken(ctx context.Context, clientID, refreshToken string) (*api.TokenResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestParseExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, err := ParseExpiry(signedToken(t, exp))
	if err != nil {
		t.Fatalf("ParseExpiry failed: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}

	if _, err := ParseExpiry(signedToken(t, time.Time{})); !errors.Is(err, ErrNoExpiry) {
		t.Errorf("err = %v, want ErrNoExpiry", err)
	}

	if _, err := ParseExpiry("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestToken_Expired(t *testing.T) {
	now := time.Now()
	if (Token{}).Expired(now) {
		t.Error("token without expiry reported expired")
	}
	if !(Token{ExpiresAt: now}).Expired(now) {
		t.Error("token expiring now not reported expired")
	}
	if (Token{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("future token reported expired")
	}
}

func TestStatic(t *testing.T) {
	t.Run("opaque token never expires", func(t *testing.T) {
		s := NewStatic("llat-opaque")
		if s.AccessToken() != "llat-opaque" {
			t.Errorf("AccessToken = %q", s.AccessToken())
		}
		if !s.Expiry().IsZero() || s.IsExpired() {
			t.Error("opaque token should not expire")
		}
		if err := s.Refresh(context.Background()); err != nil {
			t.Errorf("Refresh = %v, want nil", err)
		}
	})

	t.Run("expired jwt cannot refresh", func(t *testing.T) {
		s := NewStatic(signedToken(t, time.Now().Add(-time.Minute)))
		if !s.IsExpired() {
			t.Fatal("expected expired")
		}
		err := s.Refresh(context.Background())
		if !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("err = %v, want ErrRefreshFailed", err)
		}
		if !retry.IsPermanent(err) {
			t.Error("expired static token error should be permanent")
		}
	})
}

func TestOAuth_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	o := NewOAuth(Token{AccessToken: signedToken(t, exp), RefreshToken: "rt"}, &fakeEndpoint{})
	if !o.Expiry().Equal(exp) {
		t.Errorf("Expiry = %v, want %v", o.Expiry(), exp)
	}
}

func TestOAuth_Refresh(t *testing.T) {
	ep := &fakeEndpoint{resp: &api.TokenResponse{AccessToken: "at-2", ExpiresIn: 1800}}

	var persisted Token
	o := NewOAuth(Token{
		AccessToken:  "at-1",
		RefreshToken: "rt",
		ClientID:     "https://app.example",
		ExpiresAt:    time.Now().Add(-time.Second),
	}, ep, WithOnRefresh(func(tok Token) { persisted = tok }))

	if !o.IsExpired() {
		t.Fatal("expected expired before refresh")
	}
	if err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if o.AccessToken() != "at-2" {
		t.Errorf("AccessToken = %q, want %q", o.AccessToken(), "at-2")
	}
	if o.IsExpired() {
		t.Error("still expired after refresh")
	}
	if o.Token().RefreshToken != "rt" {
		t.Errorf("RefreshToken = %q, want it kept", o.Token().RefreshToken)
	}
	if persisted.AccessToken != "at-2" {
		t.Errorf("persisted AccessToken = %q, want %q", persisted.AccessToken, "at-2")
	}
}

func TestOAuth_ConcurrentRefreshCoalesced(t *testing.T) {
	ep := &fakeEndpoint{
		delay: 50 * time.Millisecond,
		resp:  &api.TokenResponse{AccessToken: "at-2", ExpiresIn: 1800},
	}
	o := NewOAuth(Token{AccessToken: "at-1", RefreshToken: "rt"}, ep)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&ep.calls); n != 1 {
		t.Errorf("endpoint calls = %d, want 1", n)
	}
}

func TestOAuth_RefreshErrors(t *testing.T) {
	t.Run("missing refresh token", func(t *testing.T) {
		o := NewOAuth(Token{AccessToken: "at"}, &fakeEndpoint{})
		err := o.Refresh(context.Background())
		if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, ErrNoRefreshToken) {
			t.Errorf("err = %v, want ErrRefreshFailed and ErrNoRefreshToken", err)
		}
	})

	t.Run("rejected grant is permanent", func(t *testing.T) {
		ep := &fakeEndpoint{err: &api.APIError{StatusCode: 400, Message: "invalid_grant"}}
		o := NewOAuth(Token{AccessToken: "at", RefreshToken: "rt"}, ep)
		err := o.Refresh(context.Background())
		if !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("err = %v, want ErrRefreshFailed", err)
		}
		if !retry.IsPermanent(err) {
			t.Error("rejected grant should be permanent")
		}
	})

	t.Run("server error stays retryable", func(t *testing.T) {
		ep := &fakeEndpoint{err: &api.APIError{StatusCode: 503}}
		o := NewOAuth(Token{AccessToken: "at", RefreshToken: "rt"}, ep)
		err := o.Refresh(context.Background())
		if errors.Is(err, ErrRefreshFailed) {
			t.Errorf("err = %v, should not be ErrRefreshFailed", err)
		}
		if !retry.DefaultShouldRetry(err, 1) {
			t.Error("server error should be retryable")
		}
	})
}

func TestRefreshIfExpiring(t *testing.T) {
	ep := &fakeEndpoint{resp: &api.TokenResponse{AccessToken: "at-2", ExpiresIn: 1800}}

	o := NewOAuth(Token{AccessToken: "at-1", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}, ep)
	refreshed, err := RefreshIfExpiring(context.Background(), o, 5*time.Minute)
	if err != nil || refreshed {
		t.Errorf("far expiry: refreshed = %v, err = %v; want false, nil", refreshed, err)
	}

	o = NewOAuth(Token{AccessToken: "at-1", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)}, ep)
	refreshed, err = RefreshIfExpiring(context.Background(), o, 5*time.Minute)
	if err != nil || !refreshed {
		t.Errorf("near expiry: refreshed = %v, err = %v; want true, nil", refreshed, err)
	}

	refreshed, err = RefreshIfExpiring(context.Background(), NewStatic("opaque"), 5*time.Minute)
	if err != nil || refreshed {
		t.Errorf("static: refreshed = %v, err = %v; want false, nil", refreshed, err)
	}
}
