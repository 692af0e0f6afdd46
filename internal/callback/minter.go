package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"

	"github.com/seantiz/validator/internal/model"
)

// CredentialMinter mints a bearer assertion scoped to audience. It is called
// once per delivery attempt.
type CredentialMinter interface {
	Mint(ctx context.Context, audience string) (string, error)
}

// MinterFunc adapts a function to CredentialMinter.
type MinterFunc func(ctx context.Context, audience string) (string, error)

func (f MinterFunc) Mint(ctx context.Context, audience string) (string, error) {
	return f(ctx, audience)
}

// GoogleIDTokenMinter mints Google-signed ID tokens from the ambient
// credentials (metadata server on Cloud Run, or Application Default
// Credentials elsewhere).
type GoogleIDTokenMinter struct{}

func (GoogleIDTokenMinter) Mint(ctx context.Context, audience string) (string, error) {
	ts, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		return "", fmt.Errorf("id token source: %w", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("mint id token: %w", err)
	}
	return tok.AccessToken, nil
}

// DefaultJWTTTL is the lifetime of tokens minted by SignedJWTMinter.
const DefaultJWTTTL = 5 * time.Minute

// SignedJWTMinter mints short-lived HS256 tokens with the callback URL as
// audience, for self-hosted deployments without a metadata server.
type SignedJWTMinter struct {
	Key    []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (m *SignedJWTMinter) Mint(_ context.Context, audience string) (string, error) {
	if len(m.Key) == 0 {
		return "", errors.New("mint jwt: empty signing key")
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultJWTTTL
	}

	issued := now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        model.NewID(),
		Issuer:    m.Issuer,
		Subject:   m.Issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Key)
	if err != nil {
		return "", fmt.Errorf("mint jwt: %w", err)
	}
	return signed, nil
}

// StaticMinter returns a fixed token, or Err when set.
type StaticMinter struct {
	Token string
	Err   error
}

func (m StaticMinter) Mint(context.Context, string) (string, error) {
	return m.Token, m.Err
}
