package notify

import (
	"encoding/json"
	"fmt"
)

// Event names form a closed set. Everything that crosses the wire is an
// Envelope tagged with one of these, so the protocol is enumerable and
// testable independent of the transport.
const (
	EventAuthenticate          = "authenticate"
	EventConnectionEstablished = "connection-established"
	EventAuthenticated         = "authenticated"
	EventSubscribe             = "subscribe"
	EventSubscribed            = "subscribed"
	EventUnsubscribe           = "unsubscribe"
	EventNotification          = "notification"
	EventStateUpdate           = "state-update"
	EventBroadcastAnnouncement = "broadcast-announcement"
	EventAnnouncement          = "announcement"
	EventError                 = "error"
	EventDisconnect            = "disconnect"
)

// Envelope is the single wire unit: a tagged message variant.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for the given event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %q payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// AuthenticatePayload is sent by the client after the transport connects.
type AuthenticatePayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
}

// ConnectionEstablishedPayload acknowledges a successful handshake.
type ConnectionEstablishedPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole Role   `json:"userRole"`
}

// AuthenticatedPayload acknowledges the authenticate exchange.
type AuthenticatedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// SubscribePayload carries the channels to subscribe or unsubscribe.
type SubscribePayload struct {
	Channels []string `json:"channels"`
}

// SubscribedPayload acknowledges a subscribe with the resulting full set.
type SubscribedPayload struct {
	ConnectionID       string   `json:"connectionId"`
	SubscribedChannels []string `json:"subscribedChannels"`
}

// AnnouncementPayload is a fleet-wide administrator announcement. SenderID
// and SenderName are stamped by the server before fan-out.
type AnnouncementPayload struct {
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Timestamp  int64     `json:"timestamp,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
}

// ErrorPayload is the structured error reported on a connection.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
