package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/internal/registry"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// fakeTransport serves fixed room sizes so dispatch counts are observable.
type fakeTransport struct {
	sizes map[string]int
}

func (f *fakeTransport) EmitToRoom(room string, _ notify.Envelope) int { return f.sizes[room] }

func (f *fakeTransport) EmitToAll(notify.Envelope) int { return 0 }

func (f *fakeTransport) Emit(string, notify.Envelope) bool { return false }

func (f *fakeTransport) RoomSize(room string) int { return f.sizes[room] }

func (f *fakeTransport) RoomSizes() map[string]int { return f.sizes }

func newTestAPI(t *testing.T, sizes map[string]int) (*API, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry(zerolog.Nop())
	dispatcher := dispatch.NewDispatcher(zerolog.Nop())
	dispatcher.AttachTransport(&fakeTransport{sizes: sizes})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAPI(reg, dispatcher, logger), reg
}

func requestAs(identity notify.Identity, method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	return r.WithContext(WithIdentity(r.Context(), identity))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

var (
	adminIdentity = notify.Identity{ID: "admin-1", DisplayName: "Admin", Role: notify.RoleAdmin}
	userIdentity  = notify.Identity{ID: "u1", DisplayName: "User One", Role: notify.RoleUser}
)

func TestListConnectionsHandler_AdminOnly(t *testing.T) {
	a, reg := newTestAPI(t, nil)
	require.NoError(t, reg.Add(context.Background(), notify.ConnectionRecord{ConnectionID: "c1", UserID: "u1"}))

	t.Run("NonAdminForbidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		a.ListConnectionsHandler(w, requestAs(userIdentity, "GET", "/api/connections", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("AdminSeesAll", func(t *testing.T) {
		w := httptest.NewRecorder()
		a.ListConnectionsHandler(w, requestAs(adminIdentity, "GET", "/api/connections", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Connections []notify.ConnectionRecord `json:"connections"`
		}
		decodeBody(t, w, &body)
		require.Len(t, body.Connections, 1)
		assert.Equal(t, "c1", body.Connections[0].ConnectionID)
	})

	t.Run("NoIdentityUnauthorized", func(t *testing.T) {
		w := httptest.NewRecorder()
		a.ListConnectionsHandler(w, httptest.NewRequest("GET", "/api/connections", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestListUserConnectionsHandler(t *testing.T) {
	a, reg := newTestAPI(t, nil)
	require.NoError(t, reg.Add(context.Background(), notify.ConnectionRecord{ConnectionID: "c1", UserID: "u1"}))
	require.NoError(t, reg.Add(context.Background(), notify.ConnectionRecord{ConnectionID: "c2", UserID: "u2"}))

	listFor := func(identity notify.Identity, userID string) *httptest.ResponseRecorder {
		r := requestAs(identity, "GET", "/api/users/"+userID+"/connections", nil)
		r.SetPathValue("id", userID)
		w := httptest.NewRecorder()
		a.ListUserConnectionsHandler(w, r)
		return w
	}

	t.Run("SelfAllowed", func(t *testing.T) {
		w := listFor(userIdentity, "u1")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Connections []notify.ConnectionRecord `json:"connections"`
		}
		decodeBody(t, w, &body)
		require.Len(t, body.Connections, 1)
		assert.Equal(t, "c1", body.Connections[0].ConnectionID)
	})

	t.Run("OtherUserForbidden", func(t *testing.T) {
		w := listFor(userIdentity, "u2")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("AdminMayQueryAnyone", func(t *testing.T) {
		w := listFor(adminIdentity, "u2")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestListChannelsHandler(t *testing.T) {
	a, _ := newTestAPI(t, map[string]int{"alerts": 2, "user:u1": 1})

	w := httptest.NewRecorder()
	a.ListChannelsHandler(w, requestAs(userIdentity, "GET", "/api/channels", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Channels []notify.ChannelInfo `json:"channels"`
	}
	decodeBody(t, w, &body)
	require.Len(t, body.Channels, 1, "reserved per-user rooms must not be listed")
	assert.Equal(t, notify.ChannelInfo{Channel: "alerts", Subscribers: 2}, body.Channels[0])
}

func TestListChannelsHandler_EmptyIsAnArray(t *testing.T) {
	a, _ := newTestAPI(t, nil)

	w := httptest.NewRecorder()
	a.ListChannelsHandler(w, requestAs(userIdentity, "GET", "/api/channels", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channels":[]`)
}

type staticVerifier struct {
	subjects map[string]notify.Subject
}

func (v *staticVerifier) Verify(_ context.Context, token string) (notify.Subject, error) {
	subject, ok := v.subjects[token]
	if !ok {
		return notify.Subject{}, notify.NewAuthenticationError("unknown token")
	}
	return subject, nil
}

func TestAuthMiddleware(t *testing.T) {
	verifier := &staticVerifier{subjects: map[string]notify.Subject{
		"good": {ID: "u1", DisplayName: "User One"},
	}}
	authenticator, err := auth.NewAuthenticator(verifier, zerolog.Nop())
	require.NoError(t, err)

	var seen notify.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		seen = identity
		w.WriteHeader(http.StatusOK)
	})
	handler := NewAuthMiddleware(authenticator)(next)

	t.Run("ValidToken", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/channels", nil)
		r.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u1", seen.ID)
	})

	t.Run("BadToken", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/channels", nil)
		r.Header.Set("Authorization", "Bearer bad")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("NoToken", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/channels", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestNotifyHandler(t *testing.T) {
	a, _ := newTestAPI(t, map[string]int{"alerts": 3})

	t.Run("Dispatches", func(t *testing.T) {
		body := bytes.NewBufferString(`{"channel":"alerts","title":"Deploy","message":"v2 live"}`)
		w := httptest.NewRecorder()
		a.NotifyHandler(w, requestAs(userIdentity, "POST", "/api/notify", body))
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]int
		decodeBody(t, w, &resp)
		assert.Equal(t, 3, resp["delivered"])
	})

	t.Run("RejectsInvalidJSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		a.NotifyHandler(w, requestAs(userIdentity, "POST", "/api/notify", strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("RejectsMissingFields", func(t *testing.T) {
		body := bytes.NewBufferString(`{"channel":"alerts"}`)
		w := httptest.NewRecorder()
		a.NotifyHandler(w, requestAs(userIdentity, "POST", "/api/notify", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
