package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// claim names the identity service places on its tokens.
const (
	claimName = "name"
	claimRole = "role"
)

// JWTVerifier implements notify.TokenVerifier over a JWK set. Production
// wiring fetches the set from the identity service's JWKS endpoint; tests
// inject a set directly.
type JWTVerifier struct {
	keySet jwk.Set
}

// NewJWKSVerifier fetches the key set from jwksURL once at construction.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	keySet, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTVerifier{keySet: keySet}, nil
}

// NewKeySetVerifier wraps an already-built key set.
func NewKeySetVerifier(keySet jwk.Set) (*JWTVerifier, error) {
	if keySet == nil {
		return nil, fmt.Errorf("key set cannot be nil")
	}
	return &JWTVerifier{keySet: keySet}, nil
}

// Verify parses and validates the signed token and extracts its subject.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (notify.Subject, error) {
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithContext(ctx),
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return notify.Subject{}, fmt.Errorf("token validation failed: %w", err)
	}

	subject := notify.Subject{ID: parsed.Subject()}
	if name, ok := parsed.PrivateClaims()[claimName].(string); ok {
		subject.DisplayName = name
	}
	if role, ok := parsed.PrivateClaims()[claimRole].(string); ok {
		subject.Role = notify.Role(role)
	}
	return subject, nil
}
