// Package dispatch fans notifications out to channel rooms, user rooms, or
// the whole fleet. The dispatcher never fails outward: with no transport
// attached every operation is a no-op reporting zero recipients.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/metrics"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Dispatcher emits notifications through the attached transport. The
// transport is attached after construction because the hub and the
// dispatcher are wired to each other at startup.
type Dispatcher struct {
	mu        sync.RWMutex
	transport notify.Transport
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher with no transport attached.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With().Str("component", "Dispatcher").Logger(),
	}
}

// AttachTransport wires the fan-out surface. Until this is called every
// send reports zero recipients.
func (d *Dispatcher) AttachTransport(t notify.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transport = t
}

// SendToChannel stamps the notification and emits it to the channel's room,
// returning the current room size as the delivered count. Delivery includes
// the sender when the sender subscribes to the channel.
func (d *Dispatcher) SendToChannel(channel string, n notify.Notification) int {
	transport := d.transportRef()
	if transport == nil {
		return 0
	}

	n.Channel = channel
	env, ok := d.envelope(n)
	if !ok {
		return 0
	}

	count := transport.EmitToRoom(channel, env)
	metrics.NotificationsDeliveredTotal.WithLabelValues("channel").Add(float64(count))
	d.logger.Debug().Str("channel", channel).Int("recipients", count).Msg("Notification dispatched to channel.")
	return count
}

// SendToUser emits to the user's reserved room, reaching every device.
func (d *Dispatcher) SendToUser(userID string, n notify.Notification) int {
	transport := d.transportRef()
	if transport == nil {
		return 0
	}

	room := notify.UserChannel(userID)
	n.Channel = room
	env, ok := d.envelope(n)
	if !ok {
		return 0
	}

	count := transport.EmitToRoom(room, env)
	metrics.NotificationsDeliveredTotal.WithLabelValues("user").Add(float64(count))
	d.logger.Debug().Str("user", userID).Int("recipients", count).Msg("Notification dispatched to user.")
	return count
}

// Broadcast emits to every connection regardless of subscriptions.
func (d *Dispatcher) Broadcast(n notify.Notification) int {
	transport := d.transportRef()
	if transport == nil {
		return 0
	}

	env, ok := d.envelope(n)
	if !ok {
		return 0
	}

	count := transport.EmitToAll(env)
	metrics.NotificationsDeliveredTotal.WithLabelValues("broadcast").Add(float64(count))
	d.logger.Debug().Int("recipients", count).Msg("Notification broadcast to fleet.")
	return count
}

// SubscriberCount returns the current size of the channel's room.
func (d *Dispatcher) SubscriberCount(channel string) int {
	transport := d.transportRef()
	if transport == nil {
		return 0
	}
	return transport.RoomSize(channel)
}

// ActiveChannels enumerates channels with live subscribers. Reserved
// per-user rooms are excluded.
func (d *Dispatcher) ActiveChannels() []notify.ChannelInfo {
	transport := d.transportRef()
	if transport == nil {
		return nil
	}

	sizes := transport.RoomSizes()
	channels := make([]notify.ChannelInfo, 0, len(sizes))
	for room, size := range sizes {
		if notify.IsUserChannel(room) {
			continue
		}
		channels = append(channels, notify.ChannelInfo{Channel: room, Subscribers: size})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Channel < channels[j].Channel })
	return channels
}

func (d *Dispatcher) transportRef() notify.Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.transport
}

// envelope stamps the timestamp and wraps the notification. A marshal
// failure is converted into a zero-recipient result plus a logged error.
func (d *Dispatcher) envelope(n notify.Notification) (notify.Envelope, bool) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	env, err := notify.NewEnvelope(notify.EventNotification, n)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to build notification envelope.")
		return notify.Envelope{}, false
	}
	return env, true
}
