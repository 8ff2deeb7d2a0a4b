package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials produce the bearer token the parent presents to a skill.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentials obtains tokens with the OAuth2 client credentials grant
// and caches them until they expire.
type ClientCredentials struct {
	ts oauth2.TokenSource
}

// NewClientCredentials creates credentials for appID. ctx governs the token
// HTTP client.
func NewClientCredentials(ctx context.Context, appID, secret, tokenURL string, scopes ...string) *ClientCredentials {
	cfg := &clientcredentials.Config{
		ClientID:     appID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &ClientCredentials{ts: cfg.TokenSource(ctx)}
}

func (c *ClientCredentials) Token(_ context.Context) (string, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return "", fmt.Errorf("client credentials token: %w", err)
	}
	return tok.AccessToken, nil
}

// StaticCredentials mints short-lived HS256 tokens for a fixed app id. It
// pairs with StaticVerifier on the receiving side.
type StaticCredentials struct {
	AppID    string
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

func (c *StaticCredentials) Token(_ context.Context) (string, error) {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"appid": c.AppID,
		"ver":   "1.0",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if c.Issuer != "" {
		claims["iss"] = c.Issuer
	}
	if c.Audience != "" {
		claims["aud"] = c.Audience
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
