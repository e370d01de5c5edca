// Package router implements the per-connection event protocol: the closed
// set of inbound message kinds, their authorization checks, and their
// routing to rooms or the dispatcher. Handler failures never propagate into
// the process; they are reported as structured error events on the
// offending connection, which stays open. Only handshake-time
// authentication failures terminate a connection, and those happen before
// this package ever sees it.
package router

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/internal/metrics"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Conn is the router's view of one connection. The hub's session type
// implements it.
type Conn interface {
	ID() string
	Identity() notify.Identity
	Send(env notify.Envelope) bool
	// MarkAuthenticated records completion of the authenticate exchange
	// and lifts the handshake deadline.
	MarkAuthenticated()
	Authenticated() bool
}

// Rooms is the membership and sender-excluding fan-out surface the router
// needs from the hub.
type Rooms interface {
	Join(connectionID, room string)
	Leave(connectionID, room string)
	Disconnect(connectionID string)
	EmitToRoomExcept(room, exceptID string, env notify.Envelope) int
	EmitToAllExcept(exceptID string, env notify.Envelope) int
}

// Router dispatches inbound envelopes to their handlers.
type Router struct {
	registry   notify.Registry
	rooms      Rooms
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

// NewRouter creates the event router.
func NewRouter(registry notify.Registry, rooms Rooms, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) (*Router, error) {
	if registry == nil {
		return nil, notify.NewTransportError("registry cannot be nil")
	}
	if rooms == nil {
		return nil, notify.NewTransportError("rooms cannot be nil")
	}
	if dispatcher == nil {
		return nil, notify.NewTransportError("dispatcher cannot be nil")
	}
	return &Router{
		registry:   registry,
		rooms:      rooms,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "Router").Logger(),
	}, nil
}

// HandleEvent routes one inbound envelope. The hub's read loop calls this
// sequentially per connection, so handlers never race with themselves for
// the same connection.
func (rt *Router) HandleEvent(ctx context.Context, c Conn, env notify.Envelope) {
	metrics.EventsReceivedTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case notify.EventAuthenticate:
		rt.handleAuthenticate(ctx, c, env)
	case notify.EventStateUpdate:
		rt.handleStateUpdate(c, env)
	case notify.EventBroadcastAnnouncement:
		rt.handleBroadcastAnnouncement(c, env)
	case notify.EventNotification:
		rt.handleNotification(c, env)
	case notify.EventSubscribe:
		rt.handleSubscribe(ctx, c, env)
	case notify.EventUnsubscribe:
		rt.handleUnsubscribe(ctx, c, env)
	case notify.EventDisconnect:
		rt.rooms.Disconnect(c.ID())
	default:
		rt.sendError(c, notify.NewValidationError("unknown event: "+env.Event))
	}
}

// handleAuthenticate completes the client's handshake: it records the
// device id on the registry entry created at connect time and acknowledges
// with the connection id.
func (rt *Router) handleAuthenticate(ctx context.Context, c Conn, env notify.Envelope) {
	var payload notify.AuthenticatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		rt.sendError(c, notify.NewValidationError("malformed authenticate payload"))
		return
	}

	record, err := rt.registry.Get(ctx, c.ID())
	if err != nil {
		rt.logger.Error().Err(err).Str("conn", c.ID()).Msg("Registry lookup failed during authenticate.")
		rt.sendError(c, notify.NewTransportError("authentication could not be completed"))
		return
	}
	if record == nil {
		// Disconnect raced the authenticate event; nothing to do.
		return
	}

	record.DeviceID = payload.DeviceID
	if err := rt.registry.Add(ctx, *record); err != nil {
		rt.logger.Error().Err(err).Str("conn", c.ID()).Msg("Registry update failed during authenticate.")
		rt.sendError(c, notify.NewTransportError("authentication could not be completed"))
		return
	}

	c.MarkAuthenticated()
	rt.send(c, notify.EventAuthenticated, notify.AuthenticatedPayload{ConnectionID: c.ID()})
}

// handleStateUpdate re-emits the envelope verbatim to every other
// connection in the sender's per-user room for cross-device sync. The
// sender never receives its own update.
func (rt *Router) handleStateUpdate(c Conn, env notify.Envelope) {
	if !rt.requireAuth(c) {
		return
	}
	room := notify.UserChannel(c.Identity().ID)
	rt.rooms.EmitToRoomExcept(room, c.ID(), env)
}

// handleBroadcastAnnouncement requires the administrator role. The payload
// is enriched with the sender's id and name and emitted to every connection
// except the sender.
func (rt *Router) handleBroadcastAnnouncement(c Conn, env notify.Envelope) {
	if !rt.requireAuth(c) {
		return
	}
	identity := c.Identity()
	if !identity.IsAdmin() {
		rt.sendError(c, notify.NewAuthorizationError("administrator role required for announcements"))
		return
	}

	var payload notify.AnnouncementPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		rt.sendError(c, notify.NewValidationError("malformed announcement payload"))
		return
	}
	if payload.Title == "" || payload.Message == "" {
		rt.sendError(c, notify.NewValidationError("announcement requires title and message"))
		return
	}

	payload.Timestamp = time.Now().UnixMilli()
	payload.SenderID = identity.ID
	payload.SenderName = identity.DisplayName

	out, err := notify.NewEnvelope(notify.EventAnnouncement, payload)
	if err != nil {
		rt.sendError(c, notify.NewTransportError("failed to build announcement"))
		return
	}
	rt.rooms.EmitToAllExcept(c.ID(), out)
}

// inboundNotification is the client-supplied part of a notification; the
// server stamps timestamp and sender.
type inboundNotification struct {
	Channel string         `json:"channel"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// handleNotification validates, authorizes, stamps, and dispatches a
// channel-targeted notification.
func (rt *Router) handleNotification(c Conn, env notify.Envelope) {
	if !rt.requireAuth(c) {
		return
	}

	var payload inboundNotification
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		rt.sendError(c, notify.NewValidationError("malformed notification payload"))
		return
	}
	if payload.Channel == "" || payload.Title == "" || payload.Message == "" {
		rt.sendError(c, notify.NewValidationError("notification requires channel, title, and message"))
		return
	}

	identity := c.Identity()
	if !rt.canPublish(identity, payload.Channel) {
		rt.sendError(c, notify.NewAuthorizationError("not allowed to publish to "+payload.Channel))
		return
	}

	rt.dispatcher.SendToChannel(payload.Channel, notify.Notification{
		Title:   payload.Title,
		Message: payload.Message,
		Data:    payload.Data,
		Sender:  notify.Sender{ID: identity.ID, Role: identity.Role},
	})
}

// canPublish decides whether identity may publish to channel. It currently
// permits everything. TODO: enforce per-channel publish ACLs once the
// channel ownership model lands.
func (rt *Router) canPublish(_ notify.Identity, _ string) bool {
	return true
}

// handleSubscribe adds channels to the connection's set, joins the rooms,
// and acknowledges with the resulting full channel list.
func (rt *Router) handleSubscribe(ctx context.Context, c Conn, env notify.Envelope) {
	if !rt.requireAuth(c) {
		return
	}

	channels, err := rt.decodeChannels(env)
	if err != nil {
		rt.sendError(c, err)
		return
	}

	record, getErr := rt.registry.Get(ctx, c.ID())
	if getErr != nil || record == nil {
		rt.logger.Error().Err(getErr).Str("conn", c.ID()).Msg("Registry lookup failed during subscribe.")
		rt.sendError(c, notify.NewTransportError("subscription could not be recorded"))
		return
	}

	for _, ch := range channels {
		if record.HasChannel(ch) {
			continue
		}
		record.Channels = append(record.Channels, ch)
		rt.rooms.Join(c.ID(), ch)
	}
	sort.Strings(record.Channels)

	if err := rt.registry.Add(ctx, *record); err != nil {
		rt.logger.Error().Err(err).Str("conn", c.ID()).Msg("Registry update failed during subscribe.")
		rt.sendError(c, notify.NewTransportError("subscription could not be recorded"))
		return
	}

	rt.send(c, notify.EventSubscribed, notify.SubscribedPayload{
		ConnectionID:       c.ID(),
		SubscribedChannels: record.Channels,
	})
}

// handleUnsubscribe removes channels from the set and leaves the rooms.
func (rt *Router) handleUnsubscribe(ctx context.Context, c Conn, env notify.Envelope) {
	if !rt.requireAuth(c) {
		return
	}

	channels, err := rt.decodeChannels(env)
	if err != nil {
		rt.sendError(c, err)
		return
	}

	record, getErr := rt.registry.Get(ctx, c.ID())
	if getErr != nil || record == nil {
		rt.logger.Error().Err(getErr).Str("conn", c.ID()).Msg("Registry lookup failed during unsubscribe.")
		rt.sendError(c, notify.NewTransportError("unsubscription could not be recorded"))
		return
	}

	remove := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		remove[ch] = struct{}{}
	}
	kept := record.Channels[:0]
	for _, ch := range record.Channels {
		if _, gone := remove[ch]; gone {
			rt.rooms.Leave(c.ID(), ch)
			continue
		}
		kept = append(kept, ch)
	}
	record.Channels = kept

	if err := rt.registry.Add(ctx, *record); err != nil {
		rt.logger.Error().Err(err).Str("conn", c.ID()).Msg("Registry update failed during unsubscribe.")
		rt.sendError(c, notify.NewTransportError("unsubscription could not be recorded"))
	}
}

// decodeChannels parses a subscribe/unsubscribe payload. Reserved per-user
// channels are managed implicitly and may not be subscribed explicitly.
func (rt *Router) decodeChannels(env notify.Envelope) ([]string, *notify.Error) {
	var payload notify.SubscribePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, notify.NewValidationError("malformed channels payload")
	}
	if len(payload.Channels) == 0 {
		return nil, notify.NewValidationError("channels must be a non-empty list")
	}
	for _, ch := range payload.Channels {
		if ch == "" {
			return nil, notify.NewValidationError("channel names must be non-empty")
		}
		if notify.IsUserChannel(ch) {
			return nil, notify.NewValidationError("reserved channel: " + ch)
		}
	}
	return payload.Channels, nil
}

func (rt *Router) requireAuth(c Conn) bool {
	if c.Authenticated() {
		return true
	}
	rt.sendError(c, notify.NewAuthenticationError("authenticate before sending events"))
	return false
}

func (rt *Router) send(c Conn, event string, payload any) {
	env, err := notify.NewEnvelope(event, payload)
	if err != nil {
		rt.logger.Error().Err(err).Str("event", event).Msg("Failed to build envelope.")
		return
	}
	c.Send(env)
}

func (rt *Router) sendError(c Conn, err *notify.Error) {
	env, buildErr := notify.NewEnvelope(notify.EventError, err.Payload())
	if buildErr != nil {
		rt.logger.Error().Err(buildErr).Msg("Failed to build error envelope.")
		return
	}
	c.Send(env)
}
