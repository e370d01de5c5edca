package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// sendBufferSize bounds the per-connection outbound queue. A full buffer
// means the client is too slow; further events for it are dropped, which is
// within the at-most-once delivery contract.
const sendBufferSize = 64

// session is one live connection. The read loop processes inbound events
// sequentially; the write pump drains the send channel. Separating the two
// avoids head-of-line blocking when a client is slow.
type session struct {
	id       string
	identity notify.Identity
	conn     *websocket.Conn
	hub      *Hub

	send   chan notify.Envelope
	sendMu sync.Mutex
	closed bool

	authed atomic.Bool
}

func newSession(id string, identity notify.Identity, conn *websocket.Conn, hub *Hub) *session {
	return &session{
		id:       id,
		identity: identity,
		conn:     conn,
		hub:      hub,
		send:     make(chan notify.Envelope, sendBufferSize),
	}
}

// ID satisfies router.Conn.
func (s *session) ID() string { return s.id }

// Identity satisfies router.Conn. The identity is fixed post-handshake.
func (s *session) Identity() notify.Identity { return s.identity }

// Authenticated reports whether the authenticate exchange has completed.
func (s *session) Authenticated() bool { return s.authed.Load() }

// MarkAuthenticated records the completed exchange and lifts the handshake
// read deadline.
func (s *session) MarkAuthenticated() {
	s.authed.Store(true)
	_ = s.conn.SetReadDeadline(time.Time{})
}

// Send queues an envelope without blocking. It reports false when the
// session is closed or its buffer is full.
func (s *session) Send(env notify.Envelope) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// readPump decodes inbound envelopes and hands them to the event handler,
// one at a time. It returns when the client disconnects or the handshake
// deadline fires, and always triggers the hub's eviction.
func (s *session) readPump() {
	defer s.hub.Disconnect(s.id)

	if s.hub.authTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.authTimeout))
	}

	ctx := context.Background()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return // Client disconnected, or the handshake deadline fired.
		}

		var env notify.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.sendProtocolError(notify.NewValidationError("malformed event envelope"))
			continue
		}

		if handler := s.hub.eventHandler(); handler != nil {
			handler.HandleEvent(ctx, s, env)
		}
	}
}

// writePump drains the send channel to the socket. A write failure stops
// the pump; closing the socket unblocks the read loop, which handles the
// eviction.
func (s *session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for env := range s.send {
		if err := s.conn.WriteJSON(env); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *session) sendProtocolError(err *notify.Error) {
	env, buildErr := notify.NewEnvelope(notify.EventError, err.Payload())
	if buildErr != nil {
		return
	}
	s.Send(env)
}
