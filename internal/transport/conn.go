// ABOUTME: Session transport over a single websocket connection.
// ABOUTME: Frames JSON events, consumes heartbeats, and enforces the liveness timeout.

package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canalapp/canal-gateway/internal/protocol"
)

const (
	// outboundBuffer bounds the per-connection send queue.
	outboundBuffer = 32

	// writeTimeout caps a single frame write to a slow peer.
	writeTimeout = 10 * time.Second

	// defaultWriteGrace is how long Kill waits for the close frame to flush
	// before forcing teardown.
	defaultWriteGrace = time.Second
)

// Options configures a Conn.
type Options struct {
	// HeartbeatTimeout closes the connection if no traffic (heartbeat or
	// otherwise) arrives within this window.
	HeartbeatTimeout time.Duration

	// WriteGrace bounds the close-frame flush during Kill. Defaults to 1s.
	WriteGrace time.Duration

	Logger *slog.Logger
}

// Conn owns one physical websocket connection. It frames outbound
// (event, payload) pairs, parses inbound frames, consumes heartbeats, and
// reports closure to its observer exactly once.
type Conn struct {
	ws               *websocket.Conn
	logger           *slog.Logger
	heartbeatTimeout time.Duration
	writeGrace       time.Duration

	outbound chan protocol.Frame
	done     chan struct{}

	mu        sync.Mutex
	onMessage func(event string, payload json.RawMessage)
	onClose   func(code int, reason string)
	killErr   *protocol.Error
	started   bool

	// Final close state, recorded so an observer attached after the
	// connection died is still notified.
	finished    bool
	finalCode   int
	finalReason string

	finishOnce sync.Once
}

// New wraps an accepted websocket connection. Observers must be attached and
// Start called before any traffic is processed.
func New(ws *websocket.Conn, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.WriteGrace
	if grace == 0 {
		grace = defaultWriteGrace
	}
	return &Conn{
		ws:               ws,
		logger:           logger,
		heartbeatTimeout: opts.HeartbeatTimeout,
		writeGrace:       grace,
		outbound:         make(chan protocol.Frame, outboundBuffer),
		done:             make(chan struct{}),
	}
}

// OnMessage sets the inbound frame observer. Frames are delivered one at a
// time, in arrival order, on the read loop goroutine. May be swapped while
// the connection is live (handshake hands off to the session).
func (c *Conn) OnMessage(fn func(event string, payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClose sets the close observer. It is invoked exactly once per observer,
// whether the close was peer-initiated, timeout-initiated, or
// gateway-initiated. An observer attached after the connection already
// closed is invoked immediately with the recorded code and reason, so a
// handoff (handshake to session) that loses the race against a disconnect
// still learns about it.
func (c *Conn) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	if c.finished {
		code, reason := c.finalCode, c.finalReason
		c.mu.Unlock()
		fn(code, reason)
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

// Start launches the read and write loops. Idempotent.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
}

// Send queues an (event, payload) frame for the writer. It never blocks the
// caller beyond the outbound buffer; sends on a closed connection are logged
// and dropped.
func (c *Conn) Send(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("marshaling outbound payload", "event", event, "error", err)
			return
		}
		raw = data
	}

	select {
	case c.outbound <- protocol.Frame{Event: event, Payload: raw}:
	case <-c.done:
		c.logger.Debug("dropping send on closed connection", "event", event)
	}
}

// Kill performs a gateway-initiated close: a best-effort close frame carrying
// the error's code and message, then forced teardown. The close observer
// fires with the error's code and reason.
func (c *Conn) Kill(gerr *protocol.Error) {
	c.mu.Lock()
	if c.killErr == nil {
		c.killErr = gerr
	}
	started := c.started
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(gerr.Code, gerr.Message)
	deadline := time.Now().Add(c.writeGrace)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("writing close frame", "error", err)
	}
	_ = c.ws.Close()

	// Normally the read loop observes the teardown and fires the close
	// observer. If the loops never started there is nothing to observe it,
	// so finish here.
	if !started {
		c.finish(gerr.Code, gerr.Message)
	}
}

// readLoop parses inbound frames until the connection dies. Heartbeats are
// consumed here; everything else goes to the message observer.
func (c *Conn) readLoop() {
	for {
		if c.heartbeatTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := c.closeCodeFromError(err)
			c.finish(code, reason)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.logger.Warn("malformed inbound frame", "error", err)
			c.Kill(protocol.NewError(protocol.CloseClientError, "malformed frame"))
			continue
		}

		if frame.Event == protocol.EventHeartbeat {
			// Consumed here; the deadline refresh above is the whole point.
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler == nil {
			c.logger.Warn("inbound frame with no observer attached", "event", frame.Event)
			continue
		}
		handler(frame.Event, frame.Payload)
	}
}

// writeLoop drains the outbound queue onto the socket in order.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("writing frame", "event", frame.Event, "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// closeCodeFromError maps a read-loop error to a close code and reason.
// A gateway-initiated kill wins over whatever the socket reports.
func (c *Conn) closeCodeFromError(err error) (int, string) {
	c.mu.Lock()
	killErr := c.killErr
	c.mu.Unlock()
	if killErr != nil {
		return killErr.Code, killErr.Message
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.CloseTimeout, "no traffic within heartbeat window"
	}

	return protocol.CloseAbnormal, err.Error()
}

// finish tears down the connection, records the final close state, and
// fires the close observer.
func (c *Conn) finish(code int, reason string) {
	c.finishOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		c.finished = true
		c.finalCode = code
		c.finalReason = reason
		observer := c.onClose
		c.mu.Unlock()

		c.logger.Debug("connection closed", "code", code, "reason", reason)
		if observer != nil {
			observer(code, reason)
		}
	})
}
