// Package ws implements the WebSocket transport driver.
//
// The driver speaks a small JSON control protocol to the gateway:
// subscribe/unsubscribe/publish/ping commands carry a correlation ID
// and are acknowledged by the server; data messages arrive as
// "message" frames. Connection staleness is detected with
// protocol-level ping/pong on top of the command channel.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Config configures the WebSocket driver.
type Config struct {
	URL              string        // gateway URL (wss://...)
	Token            string        // bearer token, empty for anonymous
	HandshakeTimeout time.Duration // dial timeout
	WriteTimeout     time.Duration // write deadline for frames
	PingTimeout      time.Duration // max silence before the session is stale
	CommandTimeout   time.Duration // ack wait for control commands
	BufferSize       int           // inbound message channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      60 * time.Second,
		CommandTimeout:   10 * time.Second,
		BufferSize:       1000,
	}
}

// Adapter is the WebSocket implementation of provider.Adapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	messages chan provider.Message
	errors   chan error

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan frame
	cmdID     int64

	writeMu sync.Mutex

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	lastPongAt time.Time
	done       chan struct{}
}

// New creates a WebSocket driver.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("provider", "websocket"),
		messages: make(chan provider.Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		pending:  make(map[int64]chan frame),
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return "websocket" }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Presence: true, Binary: true}
}

// Connect dials the gateway and starts the read and heartbeat loops.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return &provider.TimeoutError{Provider: a.ID(), Op: "connect", After: a.cfg.HandshakeTimeout}
		}
		return &provider.ConnectionError{Provider: a.ID(), Err: err}
	}

	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.lastPongAt = time.Now()
	a.done = done
	a.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		a.mu.Lock()
		a.lastPongAt = time.Now()
		a.mu.Unlock()
		return nil
	})

	go a.readLoop(conn, done)
	go a.heartbeatLoop(conn, done)

	a.logger.Debug("websocket connected", "url", a.cfg.URL)
	return nil
}

// Disconnect closes the session. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	conn := a.conn
	done := a.done
	a.conn = nil
	a.done = nil
	a.mu.Unlock()

	close(done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

// Send publishes one message on the session.
func (a *Adapter) Send(ctx context.Context, msg provider.Message) error {
	m := msg
	_, err := a.roundTrip(ctx, command{Action: "publish", Channel: msg.Channel, Message: &m})
	if err != nil {
		if provider.IsAuthorization(err) {
			return err
		}
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: err}
	}
	return nil
}

// Subscribe asks the gateway to deliver a channel.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	_, err := a.roundTrip(ctx, command{Action: "subscribe", Channel: channel})
	return err
}

// Unsubscribe stops delivery for a channel.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	_, err := a.roundTrip(ctx, command{Action: "unsubscribe", Channel: channel})
	return err
}

// Ping measures a command-level round trip.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := a.roundTrip(ctx, command{Action: "ping"}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Messages implements provider.Adapter.
func (a *Adapter) Messages() <-chan provider.Message { return a.messages }

// Errors implements provider.Adapter.
func (a *Adapter) Errors() <-chan error { return a.errors }

// roundTrip sends a command and waits for its ack or error frame.
func (a *Adapter) roundTrip(ctx context.Context, cmd command) (frame, error) {
	a.mu.RLock()
	conn := a.conn
	connected := a.connected
	a.mu.RUnlock()
	if !connected || conn == nil {
		return frame{}, provider.ErrNotConnected
	}

	cmd.ID = atomic.AddInt64(&a.cmdID, 1)
	respCh := make(chan frame, 1)

	a.pendingMu.Lock()
	a.pending[cmd.ID] = respCh
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, cmd.ID)
		a.pendingMu.Unlock()
	}()

	if err := a.writeJSON(conn, cmd); err != nil {
		return frame{}, &provider.ConnectionError{Provider: a.ID(), Err: err}
	}

	timeout := a.cfg.CommandTimeout
	if timeout == 0 {
		timeout = DefaultConfig().CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, &provider.TimeoutError{Provider: a.ID(), Op: cmd.Action, After: timeout}
	case resp := <-respCh:
		if resp.Type == "error" {
			if resp.Code == codeUnauthorized {
				return frame{}, &provider.AuthorizationError{
					Provider: a.ID(),
					Channel:  cmd.Channel,
					Reason:   resp.Reason,
				}
			}
			return frame{}, &provider.ConnectionError{
				Provider: a.ID(),
				Err:      &gatewayError{code: resp.Code, reason: resp.Reason},
			}
		}
		return resp, nil
	}
}

func (a *Adapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// readLoop reads frames until the session dies, routing acks to their
// waiters and data messages to the messages channel.
func (a *Adapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Session already torn down; not a new error.
			default:
				a.reportError(&provider.ConnectionError{Provider: a.ID(), Err: err})
			}
			return
		}

		f, ok := parseFrame(data)
		if !ok {
			a.logger.Debug("dropping unparseable frame", "bytes", len(data))
			continue
		}

		switch f.Type {
		case "ack", "error":
			a.routeResponse(f)
		case "message":
			if f.Message == nil {
				continue
			}
			select {
			case a.messages <- *f.Message:
			case <-done:
				return
			default:
				a.logger.Warn("message buffer full, dropping", "channel", f.Message.Channel)
			}
		}
	}
}

// routeResponse hands a response frame to the waiting roundTrip call.
func (a *Adapter) routeResponse(f frame) {
	a.pendingMu.Lock()
	ch, ok := a.pending[f.ID]
	if ok {
		delete(a.pending, f.ID)
	}
	a.pendingMu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// heartbeatLoop sends protocol pings and flags stale sessions.
func (a *Adapter) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	interval := a.cfg.PingTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(a.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				a.logger.Debug("failed to send ping", "error", err)
			}

			a.mu.RLock()
			lastPong := a.lastPongAt
			a.mu.RUnlock()

			if a.cfg.PingTimeout > 0 && time.Since(lastPong) > a.cfg.PingTimeout {
				a.logger.Warn("no pong received, session stale", "last_pong", lastPong)
				a.reportError(provider.ErrStaleSession)
				return
			}
		}
	}
}

// reportError tears the session down and surfaces the cause. The
// socket and the done channel are released here, not just flagged:
// otherwise the heartbeat loop and the file descriptor outlive the
// session and pile up across reconnects.
func (a *Adapter) reportError(err error) {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	conn := a.conn
	done := a.done
	a.conn = nil
	a.done = nil
	a.mu.Unlock()

	if !wasConnected {
		return
	}
	if done != nil {
		close(done)
	}
	if conn != nil {
		conn.Close()
	}

	select {
	case a.errors <- err:
	default:
	}
}

// gatewayError is a non-authorization error frame from the gateway.
type gatewayError struct {
	code   string
	reason string
}

func (e *gatewayError) Error() string { return e.code + ": " + e.reason }
