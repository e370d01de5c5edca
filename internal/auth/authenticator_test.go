package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// mockVerifier is a testify mock for the notify.TokenVerifier interface.
type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, token string) (notify.Subject, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(notify.Subject), args.Error(1)
}

func TestNewAuthenticator_NilVerifier(t *testing.T) {
	_, err := NewAuthenticator(nil, zerolog.Nop())
	require.Error(t, err)
}

func TestCredentialFromRequest(t *testing.T) {
	t.Run("BearerHeader", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer token-abc")

		token, err := CredentialFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, "token-abc", token)
	})

	t.Run("FirstHeaderValueWins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Add("Authorization", "Bearer first")
		r.Header.Add("Authorization", "Bearer second")

		token, err := CredentialFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, "first", token)
	})

	t.Run("QueryFallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query-token", nil)

		token, err := CredentialFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, "query-token", token)
	})

	t.Run("HeaderTakesPrecedenceOverQuery", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
		r.Header.Set("Authorization", "Bearer header-token")

		token, err := CredentialFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, "header-token", token)
	})

	t.Run("Missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)

		_, err := CredentialFromRequest(r)
		require.Error(t, err)
		assert.Equal(t, notify.CodeAuthRequired, notify.CodeOf(err))
	})
}

func TestAuthenticator_Authenticate_Success(t *testing.T) {
	verifier := new(mockVerifier)
	verifier.On("Verify", mock.Anything, "good-token").
		Return(notify.Subject{ID: "user-1", DisplayName: "Ada", Role: notify.RoleAdmin}, nil)

	authenticator, err := NewAuthenticator(verifier, zerolog.Nop())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer good-token")

	identity, err := authenticator.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.Equal(t, "Ada", identity.DisplayName)
	assert.True(t, identity.IsAdmin())
	verifier.AssertExpectations(t)
}

func TestAuthenticator_Authenticate_Defaults(t *testing.T) {
	verifier := new(mockVerifier)
	verifier.On("Verify", mock.Anything, "good-token").
		Return(notify.Subject{ID: "user-2"}, nil)

	authenticator, err := NewAuthenticator(verifier, zerolog.Nop())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token=good-token", nil)

	identity, err := authenticator.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "user-2", identity.DisplayName, "display name should fall back to the subject id")
	assert.Equal(t, notify.RoleUser, identity.Role, "role should default to user")
}

func TestAuthenticator_Authenticate_VerifierRejects(t *testing.T) {
	verifier := new(mockVerifier)
	verifier.On("Verify", mock.Anything, "bad-token").
		Return(notify.Subject{}, assert.AnError)

	authenticator, err := NewAuthenticator(verifier, zerolog.Nop())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token=bad-token", nil)

	_, err = authenticator.Authenticate(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, notify.CodeAuthRequired, notify.CodeOf(err))
}

func TestAuthenticator_Authenticate_EmptySubject(t *testing.T) {
	verifier := new(mockVerifier)
	verifier.On("Verify", mock.Anything, "odd-token").
		Return(notify.Subject{}, nil)

	authenticator, err := NewAuthenticator(verifier, zerolog.Nop())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token=odd-token", nil)

	_, err = authenticator.Authenticate(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, notify.CodeAuthRequired, notify.CodeOf(err))
}
