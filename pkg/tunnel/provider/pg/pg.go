// Package pg implements the realtime-database transport driver on top
// of Postgres LISTEN/NOTIFY.
//
// Each tunnel channel maps to one Postgres notification channel;
// publishes go through pg_notify and the read loop blocks on
// WaitForNotification against a dedicated listener connection. The
// payload of every notification is a wire-level message in JSON.
// Postgres limits notification payloads to about 8KB, which is ample
// for control-plane and chat-sized traffic.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Config configures the Postgres driver.
type Config struct {
	DB             DBConfig      // connection settings
	ConnectTimeout time.Duration // pool creation + ping bound
	RequestTimeout time.Duration // listen/notify statement bound
	BufferSize     int           // inbound message channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
		BufferSize:     1000,
	}
}

// listenOp is a LISTEN/UNLISTEN request handed to the read loop,
// which owns the listener connection.
type listenOp struct {
	verb    string // "listen" or "unlisten"
	channel string
	done    chan error
}

// Adapter is the Postgres implementation of provider.Adapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	messages chan provider.Message
	errors   chan error

	mu        sync.Mutex
	pool      *pgxpool.Pool
	connected bool
	cancel    context.CancelFunc
	wake      context.CancelFunc // interrupts the current WaitForNotification
	ops       chan listenOp
}

// New creates a Postgres driver.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("provider", "postgres"),
		messages: make(chan provider.Message, cfg.BufferSize),
		errors:   make(chan error, 1),
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return "postgres" }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Presence: true, Binary: false}
}

// Connect creates the pool and the dedicated listener connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(a.cfg.DB))
	if err != nil {
		return &provider.ConnectionError{Provider: a.ID(), Err: fmt.Errorf("parse connection string: %w", err)}
	}
	if a.cfg.DB.MinConns > 0 {
		poolCfg.MinConns = int32(a.cfg.DB.MinConns)
	}
	if a.cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = int32(a.cfg.DB.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(connCtx, poolCfg)
	if err != nil {
		return &provider.ConnectionError{Provider: a.ID(), Err: fmt.Errorf("create pool: %w", err)}
	}

	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		if connCtx.Err() == context.DeadlineExceeded {
			return &provider.TimeoutError{Provider: a.ID(), Op: "connect", After: a.cfg.ConnectTimeout}
		}
		return &provider.ConnectionError{Provider: a.ID(), Err: fmt.Errorf("ping database: %w", err)}
	}

	listener, err := pgx.ConnectConfig(connCtx, poolCfg.ConnConfig)
	if err != nil {
		pool.Close()
		return &provider.ConnectionError{Provider: a.ID(), Err: fmt.Errorf("listener connect: %w", err)}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	a.pool = pool
	a.connected = true
	a.cancel = loopCancel
	a.ops = make(chan listenOp, 16)

	go a.readLoop(loopCtx, listener)

	a.logger.Debug("postgres transport connected", "host", a.cfg.DB.Host, "db", a.cfg.DB.Name)
	return nil
}

// Disconnect closes the listener and the pool. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	pool := a.pool
	a.cancel = nil
	a.pool = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.Close()
	}
	return nil
}

// Send publishes a message with pg_notify.
func (a *Adapter) Send(ctx context.Context, msg provider.Message) error {
	a.mu.Lock()
	pool := a.pool
	connected := a.connected
	a.mu.Unlock()
	if !connected || pool == nil {
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: provider.ErrNotConnected}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	if _, err := pool.Exec(reqCtx, "select pg_notify($1, $2)", notifyChannel(msg.Channel), string(payload)); err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return &provider.SendError{
				Provider: a.ID(),
				Channel:  msg.Channel,
				Err:      &provider.TimeoutError{Provider: a.ID(), Op: "send", After: a.cfg.RequestTimeout},
			}
		}
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: err}
	}
	return nil
}

// Subscribe issues LISTEN on the listener connection.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	return a.listenStmt(ctx, "listen", channel)
}

// Unsubscribe issues UNLISTEN on the listener connection.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	return a.listenStmt(ctx, "unlisten", channel)
}

// Ping measures a pool-level round trip.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	pool := a.pool
	connected := a.connected
	a.mu.Unlock()
	if !connected || pool == nil {
		return 0, provider.ErrNotConnected
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	if err := pool.Ping(reqCtx); err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return 0, &provider.TimeoutError{Provider: a.ID(), Op: "ping", After: a.cfg.RequestTimeout}
		}
		return 0, &provider.ConnectionError{Provider: a.ID(), Err: err}
	}
	return time.Since(start), nil
}

// Messages implements provider.Adapter.
func (a *Adapter) Messages() <-chan provider.Message { return a.messages }

// Errors implements provider.Adapter.
func (a *Adapter) Errors() <-chan error { return a.errors }

// listenStmt queues a LISTEN/UNLISTEN op for the read loop, which
// owns the listener connection, and wakes the blocked wait.
func (a *Adapter) listenStmt(ctx context.Context, verb, channel string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return provider.ErrNotConnected
	}
	ops := a.ops
	a.mu.Unlock()

	op := listenOp{verb: verb, channel: channel, done: make(chan error, 1)}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	select {
	case ops <- op:
	case <-reqCtx.Done():
		return &provider.TimeoutError{Provider: a.ID(), Op: verb, After: a.cfg.RequestTimeout}
	}

	// The wake is read after the op is queued: a snapshot taken
	// earlier may be a previous iteration's already-spent cancel,
	// leaving the op parked until unrelated traffic arrives.
	a.mu.Lock()
	wake := a.wake
	a.mu.Unlock()
	if wake != nil {
		wake()
	}

	select {
	case err := <-op.done:
		return err
	case <-reqCtx.Done():
		if reqCtx.Err() == context.DeadlineExceeded {
			return &provider.TimeoutError{Provider: a.ID(), Op: verb, After: a.cfg.RequestTimeout}
		}
		return reqCtx.Err()
	}
}

// listenerConn is the slice of pgx.Conn the read loop needs. Satisfied
// by *pgx.Conn.
type listenerConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// readLoop alternates between waiting for notifications and applying
// queued listen ops on the single listener connection.
func (a *Adapter) readLoop(ctx context.Context, listener listenerConn) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		listener.Close(closeCtx)
		cancel()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		waitCtx, waitCancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.wake = waitCancel
		a.mu.Unlock()

		// Ops drain only after the wake above is visible: anything
		// queued from here on interrupts the wait itself, so nothing
		// can slip between the drain and the blocking wait.
		a.applyOps(ctx, listener)

		notification, err := listener.WaitForNotification(waitCtx)

		a.mu.Lock()
		a.wake = nil
		a.mu.Unlock()
		waitCancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				// Woken to apply a pending listen op.
				continue
			}
			a.reportError(&provider.ConnectionError{Provider: a.ID(), Err: err})
			return
		}

		a.dispatch(notification.Payload)
	}
}

// applyOps drains queued LISTEN/UNLISTEN statements.
func (a *Adapter) applyOps(ctx context.Context, listener listenerConn) {
	for {
		select {
		case op := <-a.ops:
			stmt := fmt.Sprintf(`%s %s`, op.verb, pgx.Identifier{notifyChannel(op.channel)}.Sanitize())
			reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
			_, err := listener.Exec(reqCtx, stmt)
			cancel()
			if err != nil && ctx.Err() == nil {
				op.done <- &provider.ConnectionError{Provider: a.ID(), Err: err}
				continue
			}
			op.done <- nil
		default:
			return
		}
	}
}

// dispatch decodes one notification payload into a message.
func (a *Adapter) dispatch(payload string) {
	var msg provider.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		a.logger.Debug("dropping unparseable notification", "error", err)
		return
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("message buffer full, dropping", "channel", msg.Channel)
	}
}

func (a *Adapter) reportError(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	select {
	case a.errors <- err:
	default:
	}
}

func notifyChannel(channel string) string {
	// Postgres identifiers are case-folded and limited to 63 bytes.
	s := strings.ToLower(channel)
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
