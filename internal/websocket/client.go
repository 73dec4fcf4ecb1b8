package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status is the health of the duplex connection.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	// StatusFailed is reported once reconnection has failed MaxAttempts times
	// in a row. The client keeps retrying at the capped backoff.
	StatusFailed Status = "FAILED"
	StatusClosed Status = "CLOSED"
)

const maxBackoff = 30 * time.Second

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("duplex channel closed")

// Handler receives one inbound frame. Handlers run on the read goroutine,
// one at a time.
type Handler func(env Envelope)

// StatusHandler observes connection health changes.
type StatusHandler func(status Status, err error)

// Options configures a Client.
type Options struct {
	URL         string
	Token       string
	MaxAttempts int
	Backoff     time.Duration
	Dialer      *websocket.Dialer
}

// Client is one persistent duplex connection. It rejoins every room it has
// joined after a reconnect, and keeps listener registration idempotent by key.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	rooms     map[string]struct{}
	listeners map[Event]map[string]Handler
	watchers  map[string]StatusHandler

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the connection and starts the read loop.
func Dial(ctx context.Context, opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	c := &Client{
		opts:      opts,
		log:       log.With().Str("component", "duplex_channel").Logger(),
		rooms:     make(map[string]struct{}),
		listeners: make(map[Event]map[string]Handler),
		watchers:  make(map[string]StatusHandler),
		done:      make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial duplex channel: %w", err)
	}
	c.conn = conn
	c.status = StatusConnected

	c.log.Info().Str("url", opts.URL).Msg("Duplex channel connected")

	go c.run(conn)
	return c, nil
}

// On registers h for event under key. Registering an existing key is a
// no-op and returns false.
func (c *Client) On(event Event, key string, h Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.listeners[event]
	if !ok {
		byKey = make(map[string]Handler)
		c.listeners[event] = byKey
	}
	if _, exists := byKey[key]; exists {
		return false
	}
	byKey[key] = h
	return true
}

// OnStatus registers a health watcher under key; idempotent like On.
func (c *Client) OnStatus(key string, fn StatusHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.watchers[key]; exists {
		return false
	}
	c.watchers[key] = fn
	return true
}

// Off removes every listener and watcher registered under key.
func (c *Client) Off(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, byKey := range c.listeners {
		delete(byKey, key)
	}
	delete(c.watchers, key)
}

// Join subscribes to a room. The room is remembered and rejoined after every
// reconnect even if this write fails.
func (c *Client) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.rooms[room] = struct{}{}
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := c.write(conn, RoomRequest{Action: ActionJoin, Room: room}); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

// Leave unsubscribes from a room.
func (c *Client) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := c.write(conn, RoomRequest{Action: ActionLeave, Room: room}); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return nil
}

// Status returns the current connection health.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the connection down; reconnection stops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
		c.setStatus(StatusClosed, nil)
		c.log.Info().Msg("Duplex channel closed")
	})
	return err
}

// ----------------------------------------------------------------
// Connection loop
// ----------------------------------------------------------------

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) run(conn *websocket.Conn) {
	for {
		err := c.readLoop(conn)
		if c.Closed() {
			return
		}

		if IsNormalClose(err) {
			c.log.Info().Msg("Duplex channel closed by server, reconnecting")
		} else {
			c.log.Warn().Err(err).Msg("Duplex channel dropped, reconnecting")
		}
		c.setStatus(StatusReconnecting, err)

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	for {
		var env Envelope
		if err := ReadEnvelope(conn, &env); err != nil {
			_ = conn.Close()
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, PingRequest{Action: ActionPing}); err != nil {
				return
			}
		}
	}
}

// reconnect retries with exponential backoff until it succeeds or the
// client is closed. Rooms are rejoined before Connected is reported.
func (c *Client) reconnect() *websocket.Conn {
	delay := c.opts.Backoff
	failures := 0

	for {
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			failures++
			c.log.Warn().Err(err).Int("attempt", failures).Msg("Reconnect failed")
			if failures == c.opts.MaxAttempts {
				c.setStatus(StatusFailed, err)
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.Closed() {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		rooms := make([]string, 0, len(c.rooms))
		for room := range c.rooms {
			rooms = append(rooms, room)
		}
		c.mu.Unlock()

		for _, room := range rooms {
			if err := c.write(conn, RoomRequest{Action: ActionJoin, Room: room}); err != nil {
				c.log.Warn().Err(err).Str("room", room).Msg("Rejoin failed")
			}
		}

		c.log.Info().Int("rooms", len(rooms)).Msg("Duplex channel reconnected")
		c.setStatus(StatusConnected, nil)
		return conn
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	byKey := c.listeners[env.Event]
	handlers := make([]Handler, 0, len(byKey))
	for _, h := range byKey {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if len(handlers) == 0 && env.Event != EventPong {
		c.log.Debug().Str("event", string(env.Event)).Msg("No listener for event")
	}
	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteTyped(conn, v)
}

func (c *Client) setStatus(status Status, err error) {
	c.mu.Lock()
	if c.status == StatusClosed || c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	watchers := make([]StatusHandler, 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(status, err)
	}
}
