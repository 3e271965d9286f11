// Package auth supplies the bearer credential presented to the Media Store.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dojo-tracker/capture/config"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("bearer token expired")
)

// Provider returns the current bearer token. It is consulted on every send,
// so a refreshed credential is picked up by retries.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Claims are the registered claims readable from a JWT credential without the
// issuer's key. Signatures are verified by the Media Store, not here.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect decodes token as a JWT without verifying it. ok is false for opaque
// (non-JWT) tokens.
func Inspect(token string) (claims Claims, ok bool) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, false
	}
	claims.Subject = rc.Subject
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, true
}

// Check rejects empty tokens and JWTs whose exp has passed.
func Check(token string, now time.Time) error {
	if token == "" {
		return ErrMissingToken
	}
	if c, ok := Inspect(token); ok && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// Static serves one fixed credential.
type Static struct {
	token string
	now   func() time.Time
}

// NewStatic wraps token as a Provider.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

// Token returns the credential unless it is empty or an expired JWT.
func (s *Static) Token(context.Context) (string, error) {
	if err := Check(s.token, s.now()); err != nil {
		return "", err
	}
	return s.token, nil
}

// TokenSource adapts an oauth2.TokenSource.
type TokenSource struct {
	src oauth2.TokenSource
}

// NewTokenSource wraps src; tokens are cached and refreshed by oauth2.ReuseTokenSource.
func NewTokenSource(src oauth2.TokenSource) *TokenSource {
	return &TokenSource{src: oauth2.ReuseTokenSource(nil, src)}
}

// NewClientCredentials builds a provider from OAUTH_* settings.
func NewClientCredentials(ctx context.Context, cfg config.OAuthConfig) *TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return NewTokenSource(cc.TokenSource(ctx))
}

// Token returns the current access token, refreshing it when expired.
func (t *TokenSource) Token(context.Context) (string, error) {
	tok, err := t.src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", ErrMissingToken
	}
	return tok.AccessToken, nil
}

// FromConfig picks the client-credentials provider when OAuth is configured,
// else the static MEDIA_STORE_TOKEN.
func FromConfig(ctx context.Context, cfg *config.Config) Provider {
	if cfg.OAuth.Enabled() {
		return NewClientCredentials(ctx, cfg.OAuth)
	}
	return NewStatic(cfg.MediaStore.Token)
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
