// Package notify contains the public domain models, the wire protocol, and
// the service contracts for the notification service. It defines the shared
// vocabulary between the server, the client, and the registry backends.
package notify

import (
	"strings"
	"time"
)

// Role is the privilege level bound to an authenticated identity.
type Role string

const (
	// RoleUser is the lowest-privilege role and the default when a
	// verified credential carries no role claim.
	RoleUser Role = "user"
	// RoleAdmin may broadcast announcements and read the full registry.
	RoleAdmin Role = "admin"
)

// Identity is the authenticated subject bound to a connection at handshake
// time. It is immutable for the life of the connection and never persisted
// beyond it.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// IsAdmin reports whether the identity holds the administrator role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// ConnectionRecord is the registry's view of one live connection. It holds
// plain structured data only; transport handles stay inside the hub.
type ConnectionRecord struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	Channels     []string  `json:"subscribedChannels"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// HasChannel reports whether the record's channel set contains ch.
func (r ConnectionRecord) HasChannel(ch string) bool {
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Sender identifies the originator of a notification.
type Sender struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Notification is the transient fan-out payload. It is constructed at send
// time and never stored server-side.
type Notification struct {
	Channel   string         `json:"channel"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sender    Sender         `json:"sender"`
}

// ChannelInfo is one row of the dispatcher's channel enumeration.
type ChannelInfo struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

// userChannelPrefix marks the reserved per-user rooms. They are implicit
// memberships and are excluded from channel enumeration.
const userChannelPrefix = "user:"

// UserChannel returns the reserved per-user channel for userID.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// IsUserChannel reports whether ch is a reserved per-user channel.
func IsUserChannel(ch string) bool {
	return strings.HasPrefix(ch, userChannelPrefix)
}
