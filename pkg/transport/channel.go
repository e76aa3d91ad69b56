// Package transport maintains the duplex real-time channel to the backend:
// a websocket connection with linear reconnect backoff, a liveness check, and
// per-type listener registries for decoded wire events.
package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/wire"
)

// State is the connection state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// DefaultMaxReconnectAttempts bounds automatic reconnects; after that the
	// channel stays disconnected until Connect is called again.
	DefaultMaxReconnectAttempts = 5
	// DefaultBaseDelay is multiplied by the attempt number: 1s, 2s, 3s, ...
	DefaultBaseDelay = time.Second
	// DefaultLivenessInterval is how often the liveness check verifies the
	// connection independently of close events.
	DefaultLivenessInterval = 5 * time.Second
)

type listenerEntry struct {
	id int64
	fn func(wire.Event)
}

// Channel is the real-time transport. Inbound frames are decoded into typed
// wire events and dispatched in arrival order from a single read loop;
// delivery of outbound frames is best-effort.
type Channel struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger zerolog.Logger

	maxAttempts  int
	baseDelay    time.Duration
	livenessEach time.Duration

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	attempts       int
	gaveUp         bool
	closed         bool
	gen            uint64
	reconnectTimer *time.Timer
	livenessStop   chan struct{}

	nextListener int64
	listeners    map[wire.Type][]listenerEntry
}

type Option func(*Channel)

func WithToken(token string) Option {
	return func(c *Channel) { c.token = token }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Channel) { c.maxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Channel) { c.baseDelay = d }
}

func WithLivenessInterval(d time.Duration) Option {
	return func(c *Channel) { c.livenessEach = d }
}

func New(wsURL string, opts ...Option) *Channel {
	c := &Channel{
		url:          wsURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       log.With().Str("component", "transport").Logger(),
		maxAttempts:  DefaultMaxReconnectAttempts,
		baseDelay:    DefaultBaseDelay,
		livenessEach: DefaultLivenessInterval,
		listeners:    map[wire.Type][]listenerEntry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current reconnect attempt counter.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// BackoffDelay computes the reconnect delay for an attempt number (1-based).
func (c *Channel) BackoffDelay(attempt int) time.Duration {
	return time.Duration(attempt) * c.baseDelay
}

// On registers a listener for one event type and returns its unsubscribe
// func. Registration and unregistration are safe during dispatch.
func (c *Channel) On(t wire.Type, fn func(wire.Event)) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[t] = append(c.listeners[t], listenerEntry{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		entries := c.listeners[t]
		for i, e := range entries {
			if e.id == id {
				c.listeners[t] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}

// Connect starts (or restarts) the connection state machine. It resets the
// attempt counter, so it is also the external re-invocation that revives a
// channel that exhausted its reconnect budget.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.gaveUp = false
	if c.livenessStop == nil {
		c.livenessStop = make(chan struct{})
		go c.livenessLoop(ctx, c.livenessStop)
	}
	c.mu.Unlock()
	c.dial(ctx)
}

// Send encodes and writes an event. It is a no-op unless connected; the
// transport never guarantees delivery.
func (c *Channel) Send(ev wire.Event) error {
	raw, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		c.logger.Debug().Str("type", string(ev.EventType())).Msg("send while disconnected, dropping")
		return nil
	}
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, raw), "transport: write")
}

// Close shuts the channel down permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.livenessStop != nil {
		close(c.livenessStop)
		c.livenessStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.reconnectTimer = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	target := c.url
	if c.token != "" {
		target += "?token=" + url.QueryEscape(c.token)
	}
	c.logger.Debug().Str("url", c.url).Msg("dialing")
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.logger.Warn().Err(err).Msg("dial failed")
		c.scheduleReconnectLocked(ctx)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected")
	go c.readLoop(ctx, conn, gen)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(ctx, gen, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Channel) handleClose(ctx context.Context, gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.logger.Warn().Err(cause).Msg("connection lost")
	c.scheduleReconnectLocked(ctx)
	c.mu.Unlock()
}

func (c *Channel) scheduleReconnectLocked(ctx context.Context) {
	if c.attempts >= c.maxAttempts {
		c.gaveUp = true
		c.logger.Error().
			Int("attempts", c.attempts).
			Msg("reconnect budget exhausted, staying disconnected")
		return
	}
	c.attempts++
	delay := c.BackoffDelay(c.attempts)
	c.logger.Info().
		Int("attempt", c.attempts).
		Dur("delay", delay).
		Msg("scheduling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() { c.dial(ctx) })
}

func (c *Channel) livenessLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.livenessEach)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stalled := !c.closed && !c.gaveUp &&
				c.state == StateDisconnected && c.reconnectTimer == nil
			c.mu.Unlock()
			if stalled {
				c.logger.Info().Msg("liveness check forcing reconnect")
				c.dial(ctx)
			}
		}
	}
}

func (c *Channel) dispatch(raw []byte) {
	ev, err := wire.Decode(raw)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			c.logger.Debug().Err(err).Msg("ignoring unknown envelope type")
		} else {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
		}
		return
	}

	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[ev.EventType()]...)
	c.mu.Unlock()

	for _, e := range entries {
		c.invoke(e, ev)
	}
}

// invoke isolates listener panics so one misbehaving listener cannot prevent
// its siblings from running.
func (c *Channel) invoke(e listenerEntry, ev wire.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("type", string(ev.EventType())).
				Msg("listener panicked")
		}
	}()
	e.fn(ev)
}
