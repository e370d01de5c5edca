// Package auth validates handshake credentials and produces the identity
// bound to a connection for its lifetime. Authentication is fail-closed:
// a handshake without a verifiable credential is rejected before any event
// handler is attached.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Authenticator delegates credential verification to an external token
// verifier and synthesizes an Identity from the result.
type Authenticator struct {
	verifier notify.TokenVerifier
	logger   zerolog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(verifier notify.TokenVerifier, logger zerolog.Logger) (*Authenticator, error) {
	if verifier == nil {
		return nil, notify.NewTransportError("token verifier cannot be nil")
	}
	return &Authenticator{
		verifier: verifier,
		logger:   logger.With().Str("component", "Authenticator").Logger(),
	}, nil
}

// CredentialFromRequest extracts the handshake credential from connection
// metadata. Headers are list-valued; the first element wins. A bearer
// Authorization header takes precedence over the token query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if values := r.Header.Values("Authorization"); len(values) > 0 {
		token := strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer"))
		if token != "" {
			return token, nil
		}
	}
	if values, ok := r.URL.Query()["token"]; ok && len(values) > 0 && values[0] != "" {
		return values[0], nil
	}
	return "", notify.NewAuthenticationError("missing authentication token")
}

// Authenticate verifies the request's credential and returns the resulting
// Identity. Role defaults to the lowest-privilege role when the verifier
// supplies none. There are no retries; a failed handshake must come back as
// a fresh connection attempt.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (notify.Identity, error) {
	token, err := CredentialFromRequest(r)
	if err != nil {
		return notify.Identity{}, err
	}

	subject, err := a.verifier.Verify(ctx, token)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Credential verification failed.")
		return notify.Identity{}, notify.NewAuthenticationError("invalid authentication token")
	}
	if subject.ID == "" {
		return notify.Identity{}, notify.NewAuthenticationError("credential carries no subject")
	}

	identity := notify.Identity{
		ID:          subject.ID,
		DisplayName: subject.DisplayName,
		Role:        subject.Role,
	}
	if identity.DisplayName == "" {
		identity.DisplayName = subject.ID
	}
	if identity.Role == "" {
		identity.Role = notify.RoleUser
	}
	return identity, nil
}
