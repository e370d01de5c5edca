// Package client provides the client-side connection manager for the
// notification service: connect, authenticate, subscribe, send, and
// bounded auto-reconnect, plus a ring-buffered notification history
// wrapper.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://host:port/ws.
	URL string
	// Token is the handshake credential.
	Token string
	// DeviceID identifies this device across the user's connections.
	DeviceID string
	// UserID is optional; the server derives the user from the token.
	UserID string

	// AutoReconnect enables bounded, fixed-interval retry after an
	// unexpected disconnect. Explicit disconnects never reconnect.
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	Logger zerolog.Logger
}

const (
	defaultReconnectDelay   = 3 * time.Second
	defaultMaxReconnects    = 5
	defaultHandshakeTimeout = 10 * time.Second
)

// Client owns the transport and the connection state machine:
// DISCONNECTED -> CONNECTING -> CONNECTED -> AUTHENTICATED, with ERROR
// reachable from any state. All failure paths resolve to a reported error
// value; nothing is left unhandled.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connectionID   string
	attempts       int
	reconnectTimer *time.Timer
	explicit       bool
	pending        map[string]struct{}
	subscribed     map[string]struct{}

	writeMu sync.Mutex

	onNotification func(notify.Notification)
	onAnnouncement func(notify.AnnouncementPayload)
	onStateUpdate  func(json.RawMessage)
	onError        func(error)
	onStateChange  func(State)
}

// New creates a disconnected Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client URL cannot be empty")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("client device id cannot be empty")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:     cfg.Logger.With().Str("component", "NotifyClient").Str("device", cfg.DeviceID).Logger(),
		state:      StateDisconnected,
		pending:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}, nil
}

// Callback setters. Set these before Connect; they are invoked from the
// client's read goroutine.

func (c *Client) OnNotification(fn func(notify.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotification = fn
}

func (c *Client) OnAnnouncement(fn func(notify.AnnouncementPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAnnouncement = fn
}

func (c *Client) OnStateUpdate(fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateUpdate = fn
}

func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned connection id, empty until
// authenticated.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Connect opens the transport and starts the authenticate exchange. It is
// a no-op when already connecting, connected, or authenticated. A dial
// failure is reported, counts as an unexpected disconnect, and schedules a
// reconnect when enabled.
func (c *Client) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		c.mu.Unlock()
		return nil
	}
	c.explicit = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.Dial(c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("connect failed (status %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("connect failed: %w", err)
		}
		c.reportError(err)
		c.mu.Lock()
		c.setStateLocked(StateError)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn)

	env, err := notify.NewEnvelope(notify.EventAuthenticate, notify.AuthenticatePayload{
		DeviceID: c.cfg.DeviceID,
		UserID:   c.cfg.UserID,
	})
	if err != nil {
		return err
	}
	if err := c.write(conn, env); err != nil {
		c.reportError(err)
		return err
	}
	return nil
}

// Disconnect closes the connection explicitly: it cancels any pending
// reconnect, closes the transport, clears the connection id, and suppresses
// auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.connectionID = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// Subscribe requests channel subscriptions. Before AUTHENTICATED the
// channels are buffered locally and flushed exactly once on
// authentication; afterwards the request is sent immediately.
func (c *Client) Subscribe(channels []string) error {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		for _, ch := range channels {
			c.pending[ch] = struct{}{}
		}
		c.mu.Unlock()
		return nil
	}
	for _, ch := range channels {
		c.subscribed[ch] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()
	return c.sendEnvelope(conn, notify.EventSubscribe, notify.SubscribePayload{Channels: channels})
}

// Unsubscribe removes channel subscriptions, buffered or live.
func (c *Client) Unsubscribe(channels []string) error {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.pending, ch)
		delete(c.subscribed, ch)
	}
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return c.sendEnvelope(conn, notify.EventUnsubscribe, notify.SubscribePayload{Channels: channels})
}

// Send emits an application event. It returns (and reports) an error when
// the client is not authenticated; nothing is sent in that case.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	authed := c.state == StateAuthenticated
	c.mu.Unlock()

	if !authed || conn == nil {
		err := notify.NewAuthenticationError("cannot send: not authenticated")
		c.reportError(err)
		return err
	}
	return c.sendEnvelope(conn, event, payload)
}

// readLoop decodes server envelopes until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env notify.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env notify.Envelope) {
	switch env.Event {
	case notify.EventConnectionEstablished:
		// Identity echo; the authenticated ack is what advances the
		// state machine.

	case notify.EventAuthenticated:
		var payload notify.AuthenticatedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.reportError(notify.NewTransportError("malformed authenticated ack"))
			return
		}
		c.completeAuthentication(payload.ConnectionID)

	case notify.EventNotification:
		var n notify.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			c.reportError(notify.NewTransportError("malformed notification"))
			return
		}
		if fn := c.notificationHandler(); fn != nil {
			fn(n)
		}

	case notify.EventAnnouncement:
		var a notify.AnnouncementPayload
		if err := json.Unmarshal(env.Data, &a); err != nil {
			c.reportError(notify.NewTransportError("malformed announcement"))
			return
		}
		c.mu.Lock()
		fn := c.onAnnouncement
		c.mu.Unlock()
		if fn != nil {
			fn(a)
		}

	case notify.EventStateUpdate:
		c.mu.Lock()
		fn := c.onStateUpdate
		c.mu.Unlock()
		if fn != nil {
			fn(env.Data)
		}

	case notify.EventSubscribed:
		var payload notify.SubscribedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		c.mu.Lock()
		c.subscribed = make(map[string]struct{}, len(payload.SubscribedChannels))
		for _, ch := range payload.SubscribedChannels {
			if !notify.IsUserChannel(ch) {
				c.subscribed[ch] = struct{}{}
			}
		}
		c.mu.Unlock()

	case notify.EventError:
		var payload notify.ErrorPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.reportError(notify.NewTransportError("malformed error event"))
			return
		}
		c.reportError(&notify.Error{Code: payload.Code, Message: payload.Message})

	default:
		c.logger.Debug().Str("event", env.Event).Msg("Ignoring unknown server event.")
	}
}

// completeAuthentication advances to AUTHENTICATED, resets the reconnect
// counter, and flushes any channels requested while not yet authenticated
// as a single subscribe event.
func (c *Client) completeAuthentication(connectionID string) {
	c.mu.Lock()
	c.connectionID = connectionID
	c.attempts = 0
	c.setStateLocked(StateAuthenticated)

	var flush []string
	if len(c.pending) > 0 {
		flush = make([]string, 0, len(c.pending))
		for ch := range c.pending {
			flush = append(flush, ch)
			c.subscribed[ch] = struct{}{}
		}
		c.pending = make(map[string]struct{})
		sort.Strings(flush)
	}
	conn := c.conn
	c.mu.Unlock()

	if len(flush) > 0 {
		if err := c.sendEnvelope(conn, notify.EventSubscribe, notify.SubscribePayload{Channels: flush}); err != nil {
			c.reportError(err)
		}
	}
}

// handleDisconnect normalizes a transport failure. Explicit disconnects
// end in DISCONNECTED; unexpected ones buffer the live subscriptions for
// re-subscription and schedule a bounded reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a previous connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connectionID = ""
	explicit := c.explicit

	if explicit {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}

	for ch := range c.subscribed {
		c.pending[ch] = struct{}{}
	}
	c.subscribed = make(map[string]struct{})
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.reportError(fmt.Errorf("connection lost: %w", cause))
}

// scheduleReconnectLocked arms exactly one retry timer after the fixed
// delay, provided reconnects are enabled and the attempt counter is below
// the configured maximum. Fixed-interval, not exponential backoff.
func (c *Client) scheduleReconnectLocked() {
	if !c.cfg.AutoReconnect || c.explicit {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn().Int("attempts", c.attempts).Msg("Reconnect attempts exhausted.")
		return
	}
	if c.reconnectTimer != nil {
		return
	}
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.logger.Info().Int("attempt", attempt).Msg("Reconnecting...")
		_ = c.Connect()
	})
}

func (c *Client) sendEnvelope(conn *websocket.Conn, event string, payload any) error {
	if conn == nil {
		return notify.NewTransportError("no live connection")
	}
	env, err := notify.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.write(conn, env)
}

func (c *Client) write(conn *websocket.Conn, env notify.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return notify.NewTransportError("write failed: " + err.Error())
	}
	return nil
}

// setStateLocked records a transition; the change callback fires from a
// separate goroutine so it may call back into the client.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if fn := c.onStateChange; fn != nil {
		go fn(s)
	}
}

func (c *Client) notificationHandler() func(notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onNotification
}

// reportError surfaces a normalized error through the error callback.
func (c *Client) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	c.logger.Warn().Err(err).Msg("Unhandled client error.")
}
