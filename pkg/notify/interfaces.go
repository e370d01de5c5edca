package notify

import "context"

// Subject is the result of verifying a handshake credential. DisplayName
// and Role are optional; the authenticator fills in defaults.
type Subject struct {
	ID          string
	DisplayName string
	Role        Role
}

// TokenVerifier validates a handshake credential and extracts its subject.
// It is the boundary to the external identity system.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Subject, error)
}

// Registry tracks active connections and their channel memberships. The
// contract is identical across backends; callers must not assume atomicity
// across two Registry calls. On the shared backend each call is a network
// round trip and a legal interleaving point.
type Registry interface {
	// Add is an idempotent upsert of the record keyed by its ConnectionID.
	// It also maintains the per-user secondary index when UserID is set.
	Add(ctx context.Context, record ConnectionRecord) error

	// Remove deletes the record and its secondary index entry. Removing an
	// absent id is not an error.
	Remove(ctx context.Context, connectionID string) error

	// Get returns the record for connectionID, or nil when absent.
	Get(ctx context.Context, connectionID string) (*ConnectionRecord, error)

	// ListAll returns every active record, for operator visibility.
	ListAll(ctx context.Context) ([]ConnectionRecord, error)

	// ListByUser returns the records for every device of userID.
	ListByUser(ctx context.Context, userID string) ([]ConnectionRecord, error)

	// Close releases backend resources.
	Close() error
}

// Transport is the fan-out surface the hub exposes to the dispatcher.
// Delivery is best-effort, at-most-once per currently-connected recipient;
// the returned counts are the number of recipients targeted at emit time.
type Transport interface {
	EmitToRoom(room string, env Envelope) int
	EmitToAll(env Envelope) int
	Emit(connectionID string, env Envelope) bool
	RoomSize(room string) int
	RoomSizes() map[string]int
}
