// Package transport keeps one socket per session open to the sync server,
// reconnecting after a fixed delay, sending a heartbeat, and queueing
// outbound envelopes while the socket is down.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/storage"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusClosed       Status = "closed"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Handler receives every decoded inbound envelope, in arrival order, on the
// connection's read goroutine.
type Handler func(env protocol.Envelope)

type Options struct {
	URL         string
	Token       string
	UserID      string
	WorkspaceID string

	Dialer    Dialer
	Codec     protocol.Codec
	Validator *protocol.Validator
	Outbox    storage.Outbox
	Clock     clock.Clock
	Logger    Logger

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	Handler Handler
	// OnStatus is called after every status change, outside internal locks.
	OnStatus func(Status)
	// OnReconnect is called each time the socket opens after the first time.
	OnReconnect func()
}

type Client struct {
	url          string
	userID       string
	workspaceID  string
	hasToken     bool
	dialer       Dialer
	codec        protocol.Codec
	validator    *protocol.Validator
	outbox       storage.Outbox
	clock        clock.Clock
	logger       Logger
	reconnect    time.Duration
	pingEvery    time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	handler      Handler
	onStatus     func(Status)
	onReconnect  func()

	// writeMu serializes every socket write, including the outbox flush.
	// Lock order is writeMu then mu.
	writeMu sync.Mutex

	mu             sync.Mutex
	status         Status
	conn           Conn
	gen            uint64
	cancelConn     context.CancelFunc
	reconnectTimer *clock.Timer
	pingTimer      *clock.Timer
	tornDown       bool
	everOpened     bool
	dials          int
}

func NewClient(opts Options) (*Client, error) {
	var socketURL string
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if strings.TrimSpace(opts.Token) != "" {
		built, err := BuildURL(opts.URL, opts.Token)
		if err != nil {
			return nil, err
		}
		socketURL = built
	}
	c := &Client{
		url:          socketURL,
		userID:       strings.TrimSpace(opts.UserID),
		workspaceID:  strings.TrimSpace(opts.WorkspaceID),
		hasToken:     strings.TrimSpace(opts.Token) != "",
		dialer:       opts.Dialer,
		codec:        opts.Codec,
		validator:    opts.Validator,
		outbox:       opts.Outbox,
		clock:        opts.Clock,
		logger:       opts.Logger,
		reconnect:    opts.ReconnectDelay,
		pingEvery:    opts.PingInterval,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		handler:      opts.Handler,
		onStatus:     opts.OnStatus,
		onReconnect:  opts.OnReconnect,
		status:       StatusDisconnected,
	}
	if c.dialer == nil {
		c.dialer = WebsocketDialer{}
	}
	if c.codec == nil {
		c.codec = protocol.JSONCodec{}
	}
	if c.outbox == nil {
		c.outbox = storage.NewMemoryOutbox(storage.DefaultOutboxCapacity)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.reconnect <= 0 {
		c.reconnect = DefaultReconnectDelay
	}
	if c.pingEvery <= 0 {
		c.pingEvery = DefaultPingInterval
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	return c, nil
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Dials returns how many connection attempts have been started.
func (c *Client) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *Client) Pending() int {
	return c.outbox.Len()
}

// Connect starts a connection attempt unless one is already open or in
// flight. It never blocks on the network.
func (c *Client) Connect() {
	if c.userID == "" || c.workspaceID == "" {
		c.logf("transport: no user or workspace, skipping connection")
		return
	}
	if !c.hasToken {
		c.logf("transport: no session token, skipping connection")
		return
	}
	c.mu.Lock()
	if c.status == StatusOpen || c.status == StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.tornDown = false
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConn = cancel
	c.dials++
	c.status = StatusConnecting
	c.mu.Unlock()

	c.logf("transport: connecting to %s", RedactURL(c.url))
	c.notify(StatusConnecting)
	go c.dial(ctx, gen)
}

// Disconnect tears the session's connection down for good: timers stop, the
// socket closes and no reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.tornDown = true
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.pingTimer.Stop()
	c.pingTimer = nil
	c.gen++
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	conn := c.conn
	c.conn = nil
	changed := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		c.logf("transport: disconnected")
		c.notify(StatusDisconnected)
	}
}

// Send stamps and delivers an envelope, or queues it when the socket is not
// open. Failures are logged, never returned.
func (c *Client) Send(msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload, c.workspaceID, c.userID, c.clock.Now())
	if err != nil {
		c.logf("transport: dropping %s: %v", msgType, err)
		return
	}
	c.SendEnvelope(env)
}

func (c *Client) SendEnvelope(env protocol.Envelope) {
	if c.sendEnvelope(env) {
		c.notify(StatusClosed)
	}
}

// sendEnvelope reports whether a failed write closed the connection. The
// status callback must run after writeMu is released, since it may Send.
func (c *Client) sendEnvelope(env protocol.Envelope) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn, gen, open := c.conn, c.gen, c.status == StatusOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.enqueue(env)
		return false
	}
	if err := c.write(conn, env); err != nil {
		c.logf("transport: send %s failed, queueing: %v", env.Type, err)
		c.enqueue(env)
		return c.handleClose(gen, err)
	}
	return false
}

func (c *Client) enqueue(env protocol.Envelope) {
	dropped, err := c.outbox.Push(env)
	if err != nil {
		c.logf("transport: queue %s failed: %v", env.Type, err)
		return
	}
	if dropped > 0 {
		c.logf("transport: outbox full, dropped %d oldest envelope(s)", dropped)
	}
}

func (c *Client) write(conn Conn, env protocol.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return conn.Write(ctx, c.codec.Binary(), frame)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.url)
	cancel()
	if err != nil {
		c.logf("transport: %v", err)
		c.closeAndNotify(gen, err)
		return
	}
	c.handleOpen(ctx, gen, conn)
}

func (c *Client) handleOpen(ctx context.Context, gen uint64, conn Conn) {
	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.tornDown {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.flush(conn); err != nil {
		c.logf("transport: outbox flush failed: %v", err)
		closed := c.handleClose(gen, err)
		c.writeMu.Unlock()
		if closed {
			c.notify(StatusClosed)
		}
		return
	}

	c.mu.Lock()
	c.status = StatusOpen
	reconnected := c.everOpened
	c.everOpened = true
	c.armPingLocked(gen)
	c.mu.Unlock()
	c.writeMu.Unlock()

	c.logf("transport: connected")
	c.notify(StatusOpen)
	go c.readLoop(ctx, gen, conn)
	if reconnected && c.onReconnect != nil {
		c.onReconnect()
	}
}

// flush writes the outbox oldest first. On a write failure the unsent tail
// is queued again in order. Callers hold writeMu.
func (c *Client) flush(conn Conn) error {
	pending, err := c.outbox.Drain()
	if err != nil {
		return err
	}
	for i, env := range pending {
		if err := c.write(conn, env); err != nil {
			for _, rest := range pending[i:] {
				c.enqueue(rest)
			}
			return err
		}
	}
	if len(pending) > 0 {
		c.logf("transport: flushed %d queued envelope(s)", len(pending))
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.closeAndNotify(gen, err)
			return
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			c.logf("transport: dropping malformed frame: %v", err)
			continue
		}
		if err := c.validator.Validate(env); err != nil {
			c.logf("transport: dropping invalid envelope: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logf("transport: handler for %s panicked: %v", env.Type, r)
		}
	}()
	c.handler(env)
}

func (c *Client) closeAndNotify(gen uint64, cause error) {
	if c.handleClose(gen, cause) {
		c.notify(StatusClosed)
	}
}

// handleClose moves a live generation to closed and arms exactly one
// reconnect timer. Calls for a stale or already-closed generation are
// ignored. It reports whether the status changed; the caller notifies
// once it holds no locks.
func (c *Client) handleClose(gen uint64, cause error) bool {
	c.mu.Lock()
	if gen != c.gen || c.tornDown || (c.status != StatusOpen && c.status != StatusConnecting) {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.conn = nil
	c.pingTimer.Stop()
	c.pingTimer = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.status = StatusClosed
	c.reconnectTimer.Stop()
	c.reconnectTimer = c.clock.AfterFunc(c.reconnect, func() { c.reconnectFired(gen) })
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		c.logf("transport: connection closed: %v; reconnecting in %s", cause, c.reconnect)
	} else {
		c.logf("transport: connection closed; reconnecting in %s", c.reconnect)
	}
	return true
}

// reconnectFired ignores timers armed for an earlier generation: a timer
// whose Stop lost the race must not clear or preempt a newer one.
func (c *Client) reconnectFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.tornDown || c.status != StatusClosed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()
	c.Connect()
}

func (c *Client) armPingLocked(gen uint64) {
	c.pingTimer.Stop()
	c.pingTimer = c.clock.AfterFunc(c.pingEvery, func() { c.ping(gen) })
}

// ping writes the heartbeat directly; it never goes through the outbox.
func (c *Client) ping(gen uint64) {
	closed := false
	defer func() {
		if closed {
			c.notify(StatusClosed)
		}
	}()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.status != StatusOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.armPingLocked(gen)
	c.mu.Unlock()

	env := protocol.Envelope{
		Type:        protocol.TypePing,
		WorkspaceID: c.workspaceID,
		SenderID:    c.userID,
		Timestamp:   protocol.Seconds(c.clock.Now()),
	}
	if err := c.write(conn, env); err != nil {
		c.logf("transport: heartbeat failed: %v", err)
		closed = c.handleClose(gen, err)
	}
}

func (c *Client) notify(status Status) {
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
