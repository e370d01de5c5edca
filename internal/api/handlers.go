/*
File: internal/api/handlers.go
Description: Defines the HTTP handlers for the notification service API:
role-gated registry reads and the notification send fallback for callers
without a live connection.
*/
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	registry   notify.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(registry notify.Registry, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *API {
	return &API{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ListConnectionsHandler returns every active connection. Administrators
// only.
func (a *API) ListConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	if !identity.IsAdmin() {
		WriteJSONError(w, http.StatusForbidden, "administrator role required")
		return
	}

	records, err := a.registry.ListAll(r.Context())
	if err != nil {
		a.logger.Error("Failed to list connections", "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": records})
}

// ListUserConnectionsHandler returns the connections for one user.
// Administrators may query anyone; a user may query themself.
func (a *API) ListUserConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	userID := r.PathValue("id")
	if userID == "" {
		WriteJSONError(w, http.StatusBadRequest, "missing user id")
		return
	}
	if !identity.IsAdmin() && identity.ID != userID {
		WriteJSONError(w, http.StatusForbidden, "not allowed to view this user's connections")
		return
	}

	records, err := a.registry.ListByUser(r.Context(), userID)
	if err != nil {
		a.logger.Error("Failed to list user connections", "user", userID, "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": records})
}

// ListChannelsHandler returns active channels with subscriber counts.
// Reserved per-user rooms are excluded from the enumeration.
func (a *API) ListChannelsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFromContext(r.Context()); !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	channels := a.dispatcher.ActiveChannels()
	if channels == nil {
		channels = []notify.ChannelInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// sendRequest is the body of the HTTP notification fallback.
type sendRequest struct {
	Channel string         `json:"channel"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NotifyHandler dispatches a notification for a caller that holds no live
// connection. The delivery count in the response is best-effort: it is the
// room size at emit time.
func (a *API) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	log := a.logger.With("user", identity.ID)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("Failed to decode notify body", "err", err)
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || req.Title == "" || req.Message == "" {
		WriteJSONError(w, http.StatusBadRequest, "channel, title, and message are required")
		return
	}

	delivered := a.dispatcher.SendToChannel(req.Channel, notify.Notification{
		Title:   req.Title,
		Message: req.Message,
		Data:    req.Data,
		Sender:  notify.Sender{ID: identity.ID, Role: identity.Role},
	})

	log.Debug("Notification dispatched over HTTP", "channel", req.Channel, "delivered", delivered)
	WriteJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}
