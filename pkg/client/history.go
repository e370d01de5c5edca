package client

import (
	"sync"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// defaultHistoryCapacity bounds the ring buffer when no capacity is given.
const defaultHistoryCapacity = 50

// History wraps a Client with a bounded, newest-first buffer of every
// notification observed across subscribed channels. The buffer is
// ephemeral; durable history is somebody else's job.
type History struct {
	client   *Client
	capacity int

	mu         sync.Mutex
	items      []notify.Notification
	downstream func(notify.Notification)
}

// NewHistory wraps client. It takes over the client's notification
// callback; consumers that still want per-notification delivery register
// through History.OnNotification.
func NewHistory(client *Client, capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	h := &History{
		client:   client,
		capacity: capacity,
	}
	client.OnNotification(h.record)
	return h
}

// OnNotification forwards notifications to fn after recording them.
func (h *History) OnNotification(fn func(notify.Notification)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downstream = fn
}

// Notifications returns a newest-first copy of the buffer.
func (h *History) Notifications() []notify.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Notification(nil), h.items...)
}

// Clear empties the buffer.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
}

// Subscribe delegates to the underlying client.
func (h *History) Subscribe(channels []string) error {
	return h.client.Subscribe(channels)
}

// Unsubscribe delegates to the underlying client.
func (h *History) Unsubscribe(channels []string) error {
	return h.client.Unsubscribe(channels)
}

// Send delegates to the underlying client.
func (h *History) Send(event string, payload any) error {
	return h.client.Send(event, payload)
}

func (h *History) record(n notify.Notification) {
	h.mu.Lock()
	h.items = append([]notify.Notification{n}, h.items...)
	if len(h.items) > h.capacity {
		h.items = h.items[:h.capacity]
	}
	fn := h.downstream
	h.mu.Unlock()

	if fn != nil {
		fn(n)
	}
}

// --- Shared clients ---

// The underlying manager is a per-configuration singleton: UI consumers
// come and go, but a consumer releasing its handle must not tear down a
// connection other consumers still need. Acquire/Release reference-count
// the client; the connection closes only when the last holder releases.

type sharedEntry struct {
	client *Client
	refs   int
}

var (
	sharedMu      sync.Mutex
	sharedClients = make(map[string]*sharedEntry)
)

func sharedKey(cfg Config) string {
	return cfg.URL + "|" + cfg.UserID + "|" + cfg.DeviceID
}

// AcquireShared returns the shared client for cfg, creating it on first
// use.
func AcquireShared(cfg Config) (*Client, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	key := sharedKey(cfg)
	if entry, ok := sharedClients[key]; ok {
		entry.refs++
		return entry.client, nil
	}

	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	sharedClients[key] = &sharedEntry{client: client, refs: 1}
	return client, nil
}

// ReleaseShared drops one reference to cfg's shared client and disconnects
// it when no holders remain. Releasing an unknown config is a no-op.
func ReleaseShared(cfg Config) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	key := sharedKey(cfg)
	entry, ok := sharedClients[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(sharedClients, key)
	entry.client.Disconnect()
}
