// Package stream maintains the long-lived connection to the server event
// feed: parse inbound JSON frames, fan them out to subscribers, and reconnect
// with exponential backoff when the connection drops.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/resilience"
)

// State is the connection state, surfaced to the UI through OnStatus. An
// error on a live connection collapses into StateClosed before the
// reconnect attempt.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Event is one parsed feed frame.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Conn is the slice of a websocket connection the client needs. Satisfied by
// *websocket.Conn; tests substitute scripted connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a connection to the feed URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// GorillaDial dials the feed over a real websocket.
func GorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "stream: dial %s", url)
	}
	return conn, nil
}

// Options configures a Client.
type Options struct {
	URL string
	// BaseBackoff is the first reconnect delay; doubles per consecutive
	// failure up to MaxBackoff. Defaults: 1s / 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Dial defaults to GorillaDial.
	Dial DialFunc
}

// Client is the realtime event feed client.
type Client struct {
	opts Options

	// afterFunc schedules the reconnect timer; tests swap it to observe
	// delays without sleeping.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu          sync.Mutex
	state       State
	conn        Conn
	timer       *time.Timer
	attempt     int
	stopped     bool
	subscribers []func(Event)
	statusFns   []func(State)
}

// New builds a client; call Connect to start it.
func New(opts Options) *Client {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = GorillaDial
	}
	return &Client{
		opts:      opts,
		afterFunc: time.AfterFunc,
		state:     StateClosed,
	}
}

// Subscribe registers a callback invoked for every successfully parsed
// event. Multiple subscribers are supported; malformed frames never reach
// them.
func (c *Client) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// OnStatus registers a callback invoked on every connection-state
// transition.
func (c *Client) OnStatus(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connect/read/reconnect loop in the background.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	go c.connect(ctx)
}

// Disconnect cancels any pending reconnect timer and closes the live
// connection if present. No further reconnect attempts happen until the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
}

func (c *Client) connect(ctx context.Context) {
	if !c.enterConnecting() {
		return
	}

	conn, err := c.opts.Dial(ctx, c.opts.URL)
	if err != nil {
		zap.L().Warn("stream: connect failed", zap.Error(err))
		c.setState(StateClosed)
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		// Disconnect raced the dial: restore the closed state it announced
		// so the client never ends a Disconnect reporting "connecting".
		c.setState(StateClosed)
		return
	}
	c.conn = conn
	c.attempt = 0 // successful open resets the backoff counter
	c.mu.Unlock()

	c.setState(StateOpen)
	zap.L().Info("stream: connected", zap.String("url", c.opts.URL))

	c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			_ = conn.Close()
			c.setState(StateClosed)
			if !stopped {
				zap.L().Warn("stream: connection lost", zap.Error(err))
				c.scheduleReconnect(ctx)
			}
			return
		}
		c.dispatch(frame)
	}
}

// dispatch parses one frame and fans it out. Malformed frames are dropped
// silently; the stream is best-effort and a bad frame must never kill the
// connection.
func (c *Client) dispatch(frame []byte) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Type == "" {
		zap.L().Debug("stream: dropping malformed frame", zap.ByteString("frame", frame))
		return
	}

	c.mu.Lock()
	subs := make([]func(Event), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	delay := resilience.Backoff(c.attempt, c.opts.BaseBackoff, c.opts.MaxBackoff)
	c.attempt++
	zap.L().Info("stream: reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempt),
	)
	c.timer = c.afterFunc(delay, func() { c.connect(ctx) })
}

// enterConnecting checks the stop flag and transitions to StateConnecting in
// one critical section, so a Disconnect can never land between the check and
// the transition and be overwritten by it.
func (c *Client) enterConnecting() bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	changed := c.state != StateConnecting
	c.state = StateConnecting
	fns := make([]func(State), len(c.statusFns))
	copy(fns, c.statusFns)
	c.mu.Unlock()

	if changed {
		for _, fn := range fns {
			fn(StateConnecting)
		}
	}
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), len(c.statusFns))
	copy(fns, c.statusFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
