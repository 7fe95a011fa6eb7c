package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dashsync/internal/clock"
	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/relaytest"
	"github.com/agentworkforce/dashsync/internal/storage"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite atomic.Bool

	mu      sync.Mutex
	written []protocol.Envelope
	binary  []bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, binary bool, data []byte) error {
	if c.failWrite.Load() {
		return errors.New("broken pipe")
	}
	var env protocol.Envelope
	var err error
	if binary {
		env, err = protocol.MsgpackCodec{}.Decode(data)
	} else {
		env, err = protocol.JSONCodec{}.Decode(data)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	c.binary = append(c.binary, binary)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.written...)
}

func (c *fakeConn) sentOfType(typ protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.sent() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	fail  bool
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	client   *Client
	dialer   *fakeDialer
	clock    *clock.FakeClock
	logger   *recordingLogger
	received chan protocol.Envelope

	mu        sync.Mutex
	statuses  []Status
	reconnect int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		clock:    clock.Fake(time.Unix(1700000000, 0)),
		logger:   &recordingLogger{},
		received: make(chan protocol.Envelope, 64),
	}
	opts := Options{
		URL:         "http://sync.example.test/ws",
		Token:       "tok en",
		UserID:      "u1",
		WorkspaceID: "w1",
		Dialer:      h.dialer,
		Clock:       h.clock,
		Logger:      h.logger,
		Handler:     func(env protocol.Envelope) { h.received <- env },
		OnStatus: func(s Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		},
		OnReconnect: func() {
			h.mu.Lock()
			h.reconnect++
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(client.Disconnect)
	return h
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.Status() == want }, 2*time.Second, 2*time.Millisecond,
		"status never became %s (now %s)", want, h.client.Status())
}

func (h *harness) reconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconnect
}

func TestConnectBuildsTokenURL(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)

	require.Equal(t, 1, h.dialer.attempts())
	assert.Equal(t, "ws://sync.example.test/ws?token=tok+en", h.dialer.urls[0])
	assert.False(t, h.logger.contains("tok+en"), "token leaked into logs")
}

func TestConnectWhileConnectingOrOpenIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.client.Connect()

	assert.Equal(t, 1, h.dialer.attempts())
	assert.Equal(t, 1, h.client.Dials())
	// only the heartbeat timer is armed
	assert.Equal(t, 1, h.clock.Pending())
}

func TestConnectSkippedWithoutIdentity(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"no user":      func(o *Options) { o.UserID = "" },
		"no workspace": func(o *Options) { o.WorkspaceID = " " },
		"no token":     func(o *Options) { o.Token = "" },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, mutate)
			h.client.Connect()
			assert.Equal(t, 0, h.client.Dials())
			assert.Equal(t, StatusDisconnected, h.client.Status())
		})
	}
}

func TestQueuedEnvelopesFlushBeforeLaterSends(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.client.Send(protocol.TypeNotification, map[string]any{"seq": i})
	}
	require.Equal(t, 3, h.client.Pending())

	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.client.Send(protocol.TypeNotification, map[string]any{"seq": 3})

	assertSequence(t, h.dialer.last().sentOfType(protocol.TypeNotification), 4)
	assert.Equal(t, 0, h.client.Pending())
}

func TestConcurrentSendsDuringConnectKeepOrder(t *testing.T) {
	h := newHarness(t, nil)
	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			h.client.Send(protocol.TypeNotification, map[string]any{"seq": i})
		}
	}()
	h.client.Connect()
	<-done
	h.waitStatus(t, StatusOpen)

	require.Eventually(t, func() bool {
		return len(h.dialer.last().sentOfType(protocol.TypeNotification)) == total
	}, 2*time.Second, 2*time.Millisecond)
	assertSequence(t, h.dialer.last().sentOfType(protocol.TypeNotification), total)
}

func TestEverySentEnvelopeCarriesWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Send(protocol.TypeDashboardFilter, map[string]any{"filters": map[string]any{}})
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.client.Send(protocol.TypeStateUpdate, map[string]any{"resource_type": "deal"})
	h.clock.Advance(DefaultPingInterval)

	sent := h.dialer.last().sent()
	require.Len(t, sent, 3)
	for _, env := range sent {
		assert.Equal(t, "w1", env.WorkspaceID, env.Type)
		assert.Equal(t, "u1", env.SenderID, env.Type)
		assert.NotZero(t, env.Timestamp, env.Type)
	}
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Outbox = storage.NewMemoryOutbox(2) })
	for i := 0; i < 3; i++ {
		h.client.Send(protocol.TypeNotification, map[string]any{"seq": i})
	}
	assert.Equal(t, 2, h.client.Pending())
	assert.True(t, h.logger.contains("dropped 1 oldest"))

	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	sent := h.dialer.last().sentOfType(protocol.TypeNotification)
	require.Len(t, sent, 2)
	assert.Equal(t, 1, seqOf(t, sent[0]))
	assert.Equal(t, 2, seqOf(t, sent[1]))
}

func TestHeartbeatWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	conn := h.dialer.last()

	h.clock.Advance(DefaultPingInterval - time.Second)
	assert.Empty(t, conn.sentOfType(protocol.TypePing))
	h.clock.Advance(time.Second)
	assert.Len(t, conn.sentOfType(protocol.TypePing), 1)
	h.clock.Advance(2 * DefaultPingInterval)
	assert.Len(t, conn.sentOfType(protocol.TypePing), 3)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestPingIsNeverQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().Close()
	h.waitStatus(t, StatusClosed)

	h.clock.Advance(DefaultPingInterval)
	assert.Equal(t, 0, h.client.Pending())
}

func TestCloseSchedulesExactlyOneReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	first := h.dialer.last()

	first.Close()
	h.waitStatus(t, StatusClosed)
	// a late close report for the same connection must not arm a second timer
	h.client.handleClose(h.client.gen, errors.New("late"))
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, h.dialer.attempts())
	h.clock.Advance(time.Millisecond)
	h.waitStatus(t, StatusOpen)
	assert.Equal(t, 2, h.dialer.attempts())
	require.Eventually(t, func() bool { return h.reconnects() == 1 }, time.Second, 2*time.Millisecond)
	assert.True(t, first.isClosed())
}

func TestDialFailuresKeepRetryingAtFixedDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFail(true)
	h.client.Connect()
	h.waitStatus(t, StatusClosed)

	for attempt := 2; attempt <= 4; attempt++ {
		require.Equal(t, 1, h.clock.Pending())
		h.clock.Advance(DefaultReconnectDelay)
		require.Eventually(t, func() bool {
			return h.dialer.attempts() == attempt && h.client.Status() == StatusClosed
		}, time.Second, 2*time.Millisecond)
	}

	h.dialer.setFail(false)
	h.clock.Advance(DefaultReconnectDelay)
	h.waitStatus(t, StatusOpen)
	assert.Equal(t, 0, h.reconnects(), "first successful open is not a reconnect")
}

func TestFailedWriteRequeuesAndCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	conn := h.dialer.last()
	conn.failWrite.Store(true)

	h.client.Send(protocol.TypeNotification, map[string]any{"seq": 0})
	assert.Equal(t, StatusClosed, h.client.Status())
	assert.Equal(t, 1, h.client.Pending())

	h.clock.Advance(DefaultReconnectDelay)
	h.waitStatus(t, StatusOpen)
	assertSequence(t, h.dialer.last().sentOfType(protocol.TypeNotification), 1)
}

func TestStatusCallbackMaySendWhenWriteFails(t *testing.T) {
	var h *harness
	h = newHarness(t, func(o *Options) {
		o.OnStatus = func(s Status) {
			if s == StatusClosed {
				h.client.Send(protocol.TypeUserPresence, map[string]any{"user_id": "u1", "status": "away"})
			}
		}
	})
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().failWrite.Store(true)

	done := make(chan struct{})
	go func() {
		h.client.Send(protocol.TypeNotification, map[string]any{"seq": 0})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked while the status callback sent")
	}
	assert.Equal(t, StatusClosed, h.client.Status())
	assert.Equal(t, 2, h.client.Pending())

	h.clock.Advance(DefaultReconnectDelay)
	h.waitStatus(t, StatusOpen)
	require.Eventually(t, func() bool { return len(h.dialer.last().sent()) == 2 }, time.Second, 2*time.Millisecond)
	sent := h.dialer.last().sent()
	assert.Equal(t, protocol.TypeNotification, sent[0].Type)
	assert.Equal(t, protocol.TypeUserPresence, sent[1].Type)
}

func TestStatusCallbackMaySendWhenHeartbeatFails(t *testing.T) {
	var h *harness
	h = newHarness(t, func(o *Options) {
		o.OnStatus = func(s Status) {
			if s == StatusClosed {
				h.client.Send(protocol.TypeUserPresence, map[string]any{"user_id": "u1", "status": "away"})
			}
		}
	})
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().failWrite.Store(true)

	done := make(chan struct{})
	go func() {
		h.clock.Advance(DefaultPingInterval)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat failure blocked the status callback")
	}
	assert.Equal(t, StatusClosed, h.client.Status())
	assert.Equal(t, 1, h.client.Pending(), "only the presence message is queued")
}

func TestStaleReconnectTimerIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().Close()
	h.waitStatus(t, StatusClosed)

	h.client.mu.Lock()
	staleGen := h.client.gen
	h.client.mu.Unlock()

	// reconnect early by hand, then lose that connection too
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().Close()
	h.waitStatus(t, StatusClosed)
	require.Equal(t, 2, h.dialer.attempts())

	// a timer from the first close that fired after Stop lost the race
	h.client.reconnectFired(staleGen)
	h.client.mu.Lock()
	armed := h.client.reconnectTimer != nil
	h.client.mu.Unlock()
	assert.True(t, armed, "stale firing cleared the live timer")
	assert.Equal(t, 2, h.dialer.attempts())
	assert.Equal(t, StatusClosed, h.client.Status())

	h.clock.Advance(DefaultReconnectDelay)
	h.waitStatus(t, StatusOpen)
	assert.Equal(t, 3, h.dialer.attempts())
}

func TestDisconnectIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	conn := h.dialer.last()

	h.client.Disconnect()
	assert.Equal(t, StatusDisconnected, h.client.Status())
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.attempts())
	assert.Equal(t, StatusDisconnected, h.client.Status())
}

func TestDisconnectDuringReconnectWait(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.dialer.last().Close()
	h.waitStatus(t, StatusClosed)

	h.client.Disconnect()
	h.clock.Advance(DefaultReconnectDelay * 2)
	assert.Equal(t, 1, h.dialer.attempts())

	h.mu.Lock()
	statuses := append([]Status(nil), h.statuses...)
	h.mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusOpen, StatusClosed, StatusDisconnected}, statuses)
}

func TestInboundFramesAreDecodedAndValidated(t *testing.T) {
	validator, err := protocol.NewValidator()
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) { o.Validator = validator })
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	conn := h.dialer.last()

	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"notification","payload":[1]}`)
	conn.inbound <- []byte(`{"type":"notification","payload":{"title":"ok"},"workspace_id":"w1"}`)

	select {
	case env := <-h.received:
		assert.Equal(t, protocol.TypeNotification, env.Type)
		assert.JSONEq(t, `{"title":"ok"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope was not dispatched")
	}
	assert.Empty(t, h.received)
	assert.True(t, h.logger.contains("malformed"))
	assert.True(t, h.logger.contains("invalid envelope"))
}

func TestHandlerPanicDoesNotKillReadLoop(t *testing.T) {
	calls := make(chan string, 4)
	h := newHarness(t, func(o *Options) {
		o.Handler = func(env protocol.Envelope) {
			calls <- string(env.Type)
			if env.Type == protocol.TypeError {
				panic("bad handler")
			}
		}
	})
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	conn := h.dialer.last()
	conn.inbound <- []byte(`{"type":"error"}`)
	conn.inbound <- []byte(`{"type":"ping"}`)

	assert.Equal(t, "error", <-calls)
	assert.Equal(t, "ping", <-calls)
	assert.Equal(t, StatusOpen, h.client.Status())
}

func TestMsgpackCodecSendsBinaryFrames(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Codec = protocol.MsgpackCodec{} })
	h.client.Connect()
	h.waitStatus(t, StatusOpen)
	h.client.Send(protocol.TypeNotification, map[string]any{"seq": 0})

	conn := h.dialer.last()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.binary, 1)
	assert.True(t, conn.binary[0])
}

func TestBuildURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000/ws": "ws://localhost:8000/ws?token=abc",
		"https://crm.example/ws":   "wss://crm.example/ws?token=abc",
		"ws://localhost/ws?v=2":    "ws://localhost/ws?token=abc&v=2",
		"wss://crm.example/ws":     "wss://crm.example/ws?token=abc",
	}
	for base, want := range cases {
		got, err := BuildURL(base, "abc")
		require.NoError(t, err, base)
		assert.Equal(t, want, got)
	}
	_, err := BuildURL("ftp://crm.example/ws", "abc")
	assert.Error(t, err)
	_, err = BuildURL("ws:///ws", "abc")
	assert.Error(t, err)

	assert.Equal(t, "ws://h/ws?token=REDACTED", RedactURL("ws://h/ws?token=secret"))
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}

func TestWebsocketRoundTripThroughRelay(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	received := make(chan protocol.Envelope, 8)
	client, err := NewClient(Options{
		URL:            relay.SocketURL(),
		Token:          relaytest.Token("u1", "w1", "founder"),
		UserID:         "u1",
		WorkspaceID:    "w1",
		ReconnectDelay: 20 * time.Millisecond,
		Handler:        func(env protocol.Envelope) { received <- env },
	})
	require.NoError(t, err)
	defer client.Disconnect()

	client.Send(protocol.TypeNotification, protocol.Notification{ID: "n1", Title: "queued"})
	client.Connect()

	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeNotification, env.Type)
		assert.Equal(t, "u1", env.SenderID)
		var n protocol.Notification
		require.NoError(t, env.DecodePayload(&n))
		assert.Equal(t, "queued", n.Title)
	case <-time.After(5 * time.Second):
		t.Fatal("relay echo not received")
	}

	relay.DropConnections()
	require.Eventually(t, func() bool {
		return client.Dials() >= 2 && client.Status() == StatusOpen && relay.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func assertSequence(t *testing.T, envs []protocol.Envelope, n int) {
	t.Helper()
	require.Len(t, envs, n)
	for i, env := range envs {
		require.Equal(t, i, seqOf(t, env), "envelope %d out of order", i)
	}
}

func seqOf(t *testing.T, env protocol.Envelope) int {
	t.Helper()
	var payload struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload.Seq
}
