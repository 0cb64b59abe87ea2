// Package channel wraps the websocket connection to a race session behind
// join/leave lifecycle, typed event registration, and a bounded reconnect
// policy. Inbound messages are dispatched one at a time from a single
// reader goroutine, preserving the server's send order; the reconciliation
// layer depends on that FIFO property.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itchyfingers/raceclient/pkg/protocol"
)

// ErrNotConnected is returned by Emit before Connect or after Disconnect.
var ErrNotConnected = errors.New("channel: not connected")

// ErrThrottled is returned when outbound keystrokes exceed the local rate
// budget. The server enforces its own limit; refusing to send keeps a
// runaway caller from getting the whole connection dropped.
var ErrThrottled = errors.New("channel: outbound rate exceeded")

// ConnectionError reports a transport failure or a handshake rejection
// (auth refused, join deadline passed).
type ConnectionError struct {
	Reason string
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("channel: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Handler consumes one inbound event payload. Handlers run on the reader
// goroutine and must not block.
type Handler func(payload json.RawMessage)

// Options configures an Adapter.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://host/ws.
	URL string
	// DialTimeout bounds the dial plus join handshake. A connect attempt
	// that neither succeeds nor fails within it surfaces as a
	// ConnectionError instead of hanging the caller.
	DialTimeout time.Duration
	// ReconnectAttempts caps automatic redials after an unexpected drop.
	ReconnectAttempts int
	// ReconnectDelay is the fixed pause between redials.
	ReconnectDelay time.Duration
	// TypeLimit and TypeBurst throttle outbound keystroke events.
	TypeLimit rate.Limit
	TypeBurst int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 4
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.TypeLimit <= 0 {
		o.TypeLimit = 25
	}
	if o.TypeBurst <= 0 {
		o.TypeBurst = 50
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Adapter is the realtime channel for one race session. Construct one per
// race view; it must not outlive the view that opened it.
type Adapter struct {
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	handlers map[string]Handler
	conn     *websocket.Conn
	join     protocol.Join
	closed   bool
	cancel   context.CancelFunc
}

// New returns an unconnected adapter.
func New(opts Options) *Adapter {
	opts = opts.withDefaults()
	return &Adapter{
		opts:     opts,
		log:      opts.Logger,
		limiter:  rate.NewLimiter(opts.TypeLimit, opts.TypeBurst),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an event name, replacing any previous one.
func (a *Adapter) On(event string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[event] = h
}

// Off removes the handler for an event name.
func (a *Adapter) Off(event string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handlers, event)
}

// Connect dials the endpoint, performs the join handshake, and starts the
// reader loop. It returns the server's initial session view.
func (a *Adapter) Connect(ctx context.Context, join protocol.Join) (*protocol.JoinData, error) {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil, &ConnectionError{Reason: "already connected"}
	}
	if a.closed {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	a.join = join
	a.mu.Unlock()

	conn, data, err := a.dial(ctx, join)
	if err != nil {
		return nil, err
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return nil, ErrNotConnected
	}
	a.conn = conn
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(readerCtx, conn)
	return data, nil
}

// dial establishes the transport and runs the join handshake.
func (a *Adapter) dial(ctx context.Context, join protocol.Join) (*websocket.Conn, *protocol.JoinData, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.opts.URL, nil)
	if err != nil {
		return nil, nil, &ConnectionError{Reason: "dial failed", Cause: err}
	}

	env, err := protocol.NewEnvelope(protocol.EventJoin, join)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode join")
		return nil, nil, &ConnectionError{Reason: "encode join", Cause: err}
	}
	if err := wsjson.Write(dialCtx, conn, env); err != nil {
		conn.Close(websocket.StatusProtocolError, "join write failed")
		return nil, nil, &ConnectionError{Reason: "join write failed", Cause: err}
	}

	var reply protocol.Envelope
	if err := wsjson.Read(dialCtx, conn, &reply); err != nil {
		conn.Close(websocket.StatusProtocolError, "join read failed")
		return nil, nil, &ConnectionError{Reason: "join read failed", Cause: err}
	}
	if reply.Type != protocol.EventJoinResponse {
		conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, nil, &ConnectionError{Reason: fmt.Sprintf("unexpected handshake reply %q", reply.Type)}
	}

	var resp protocol.JoinResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad join response")
		return nil, nil, &ConnectionError{Reason: "bad join response", Cause: err}
	}
	if !resp.Success {
		conn.Close(websocket.StatusNormalClosure, "join rejected")
		return nil, nil, &ConnectionError{Reason: resp.Message}
	}
	return conn, resp.Data, nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err == nil {
			a.dispatch(env.Type, env.Payload)
			continue
		}

		if a.isClosed() || ctx.Err() != nil {
			return
		}

		reason := err.Error()
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			reason = "closed by server"
		}
		a.log.Warn("transport dropped", zap.String("reason", reason))

		next := a.reconnect(ctx)
		if next == nil {
			if a.isClosed() || ctx.Err() != nil {
				// Torn down on purpose mid-retry: not an unexpected drop.
				return
			}
			a.clearConn()
			payload, _ := json.Marshal(protocol.Disconnect{Reason: reason})
			a.dispatch(protocol.EventDisconnect, payload)
			return
		}

		a.mu.Lock()
		a.conn = next
		a.mu.Unlock()
		conn = next
		// The caller must resynchronize: nothing queued while the link was
		// down is replayed, and FIFO ordering across the gap is void.
		a.dispatch(protocol.EventReconnect, nil)
	}
}

// reconnect redials with a fixed delay up to the configured cap. Returns
// nil once the budget is exhausted or the adapter was closed.
func (a *Adapter) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.opts.ReconnectDelay):
		}
		if a.isClosed() {
			return nil
		}

		a.log.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max", a.opts.ReconnectAttempts))

		conn, _, err := a.dial(ctx, a.join)
		if err == nil {
			return conn
		}
		a.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil
}

// Emit sends one outbound event. Keystroke events are throttled locally.
func (a *Adapter) Emit(event string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if event == protocol.EventType && !a.limiter.Allow() {
		return ErrThrottled
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

// Disconnect tears the channel down. Safe to call more than once and after
// a failed Connect.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "leave")
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) clearConn() {
	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
}

func (a *Adapter) dispatch(event string, payload json.RawMessage) {
	a.mu.Lock()
	h := a.handlers[event]
	a.mu.Unlock()
	if h != nil {
		h(payload)
	}
}
