// Package realtime owns the WebSocket server side: the upgrade endpoint,
// the per-connection sessions, and the room membership used for fan-out.
// It runs its own dedicated HTTP server, separate from the admin API.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/internal/metrics"
	"github.com/tinywideclouds/go-notify-service/internal/router"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// EventHandler consumes inbound envelopes for one connection. The router
// implements it; tests substitute their own.
type EventHandler interface {
	HandleEvent(ctx context.Context, c router.Conn, env notify.Envelope)
}

// Hub manages all active WebSocket connections and their room memberships.
// It implements notify.Transport for the dispatcher and router.Rooms for
// the event router.
type Hub struct {
	server        *http.Server
	upgrader      websocket.Upgrader
	authenticator *auth.Authenticator
	registry      notify.Registry
	authTimeout   time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session
	joined   map[string]map[string]struct{}

	handlerMu sync.RWMutex
	handler   EventHandler

	logger     zerolog.Logger
	instanceID string
}

// NewHub creates and wires up the WebSocket hub. The event handler is
// attached separately because the router needs the hub's room surface.
func NewHub(
	addr string,
	authenticator *auth.Authenticator,
	registry notify.Registry,
	authTimeout time.Duration,
	allowedOrigins []string,
	logger zerolog.Logger,
) (*Hub, error) {
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	instanceID := uuid.NewString()
	hubLogger := logger.With().Str("component", "Hub").Str("instance", instanceID).Logger()

	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		authenticator: authenticator,
		registry:      registry,
		authTimeout:   authTimeout,
		sessions:      make(map[string]*session),
		rooms:         make(map[string]map[string]*session),
		joined:        make(map[string]map[string]struct{}),
		logger:        hubLogger,
		instanceID:    instanceID,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(h.connectHandler))
	h.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return h, nil
}

// AttachHandler wires the event router. Must be called before Start.
func (h *Hub) AttachHandler(handler EventHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// Handler exposes the HTTP handler, mainly for tests.
func (h *Hub) Handler() http.Handler {
	return h.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (h *Hub) Start(ctx context.Context) error {
	h.logger.Info().Str("addr", h.server.Addr).Msg("WebSocket server starting...")
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and evicts every session.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error

	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id)
	}

	h.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// connectHandler authenticates the handshake, upgrades the request, and
// runs the connection's read loop. Authentication is fail-closed: a bad
// credential is rejected before any event handler is attached and before
// any registry state exists.
func (h *Hub) connectHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		h.logger.Warn().Err(err).Msg("Handshake rejected.")
		http.Error(w, notify.CodeAuthRequired, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	sess := newSession(uuid.NewString(), identity, conn, h)
	if err := h.register(sess); err != nil {
		h.logger.Error().Err(err).Str("user", identity.ID).Msg("Failed to register connection.")
		_ = conn.Close()
		return
	}

	h.logger.Info().Str("user", identity.ID).Str("conn", sess.id).Msg("User connected via WebSocket.")

	go sess.writePump()
	sess.readPump() // Blocks until the client disconnects.
}

// register records the session, joins it to its per-user room, and creates
// the registry entry. The connection-established event is queued before the
// write pump starts, so the client always sees it first.
func (h *Hub) register(sess *session) error {
	record := notify.ConnectionRecord{
		ConnectionID: sess.id,
		UserID:       sess.identity.ID,
		Channels:     []string{},
		ConnectedAt:  time.Now().UTC(),
	}
	if err := h.registry.Add(context.Background(), record); err != nil {
		return fmt.Errorf("registry add failed: %w", err)
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.joined[sess.id] = make(map[string]struct{})
	h.mu.Unlock()
	h.Join(sess.id, notify.UserChannel(sess.identity.ID))

	metrics.ActiveConnections.Inc()

	env, err := notify.NewEnvelope(notify.EventConnectionEstablished, notify.ConnectionEstablishedPayload{
		UserID:   sess.identity.ID,
		UserName: sess.identity.DisplayName,
		UserRole: sess.identity.Role,
	})
	if err != nil {
		return err
	}
	sess.Send(env)
	return nil
}

// Disconnect evicts a connection: removes it from every room, closes its
// send channel, and deletes its registry entry. Idempotent under rapid
// reconnect/disconnect churn.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, connectionID)
	for room := range h.joined[connectionID] {
		if members, ok := h.rooms[room]; ok {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.joined, connectionID)
	h.mu.Unlock()

	sess.closeSend()
	metrics.ActiveConnections.Dec()

	if err := h.registry.Remove(context.Background(), connectionID); err != nil {
		h.logger.Error().Err(err).Str("conn", connectionID).Msg("Failed to remove connection from registry.")
	}
	h.logger.Info().Str("conn", connectionID).Str("user", sess.identity.ID).Msg("User disconnected.")
}

// Join adds the connection to a room. Unknown connections are ignored; the
// disconnect may already have been processed.
func (h *Hub) Join(connectionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connectionID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	members[connectionID] = sess
	h.joined[connectionID][room] = struct{}{}
}

// Leave removes the connection from a room.
func (h *Hub) Leave(connectionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.joined[connectionID]; ok {
		delete(rooms, room)
	}
}

// --- notify.Transport ---

// EmitToRoom queues the envelope for every member of the room and returns
// the room size at emit time. Members that vanish mid-emit are simply
// skipped; there is no rollback.
func (h *Hub) EmitToRoom(room string, env notify.Envelope) int {
	return h.emit(h.roomMembers(room, ""), env)
}

// EmitToRoomExcept is EmitToRoom minus one connection, used for
// sender-excluded fan-out.
func (h *Hub) EmitToRoomExcept(room, exceptID string, env notify.Envelope) int {
	return h.emit(h.roomMembers(room, exceptID), env)
}

// EmitToAll queues the envelope for every connection.
func (h *Hub) EmitToAll(env notify.Envelope) int {
	return h.emit(h.allMembers(""), env)
}

// EmitToAllExcept queues the envelope for every connection but one.
func (h *Hub) EmitToAllExcept(exceptID string, env notify.Envelope) int {
	return h.emit(h.allMembers(exceptID), env)
}

// Emit queues the envelope for a single connection.
func (h *Hub) Emit(connectionID string, env notify.Envelope) bool {
	h.mu.RLock()
	sess, ok := h.sessions[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.Send(env)
}

// RoomSize returns the current membership count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomSizes returns a snapshot of every room's membership count.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sizes := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		sizes[room] = len(members)
	}
	return sizes
}

func (h *Hub) roomMembers(room, exceptID string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]*session, 0, len(h.rooms[room]))
	for id, sess := range h.rooms[room] {
		if id == exceptID {
			continue
		}
		members = append(members, sess)
	}
	return members
}

func (h *Hub) allMembers(exceptID string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]*session, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if id == exceptID {
			continue
		}
		members = append(members, sess)
	}
	return members
}

func (h *Hub) emit(targets []*session, env notify.Envelope) int {
	for _, sess := range targets {
		if !sess.Send(env) {
			h.logger.Warn().Str("conn", sess.id).Str("event", env.Event).Msg("Dropped event for slow or closed connection.")
		}
	}
	return len(targets)
}

func (h *Hub) eventHandler() EventHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// originChecker builds the upgrade origin check. An empty allow-list
// permits every origin.
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients send no Origin header.
		}
		_, ok := allowed[origin]
		return ok
	}
}
