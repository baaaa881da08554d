package conn

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Connection is the single logical connection record. Exactly one per
// transport manager; mutated only through Machine transitions.
type Connection struct {
	State          State
	ActiveProvider string
	ConnectedSince time.Time
	LastError      error
}

// Config holds reconnect pacing settings.
type Config struct {
	BaseDelay time.Duration // first retry delay
	MaxDelay  time.Duration // delay cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// Machine is the connection state machine.
type Machine struct {
	mu       sync.Mutex
	conn     Connection
	attempts int
	backoff  *backoff.ExponentialBackOff
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(cfg Config) *Machine {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()

	return &Machine{backoff: b}
}

// Snapshot returns a copy of the current connection record.
func (m *Machine) Snapshot() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.State
}

// ToConnecting transitions into Connecting. Returns false if the
// connection is already Connecting or Connected (connect is a no-op
// then).
func (m *Machine) ToConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.conn.State {
	case Connecting, Connected:
		return false
	}
	m.conn.State = Connecting
	return true
}

// ForceConnecting transitions into Connecting from any state. Used
// for explicit provider switches, which pass through the same
// connect path regardless of the current state.
func (m *Machine) ForceConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.State = Connecting
}

// ToConnected records a successful connect on the given provider and
// resets the retry counter.
func (m *Machine) ToConnected(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn = Connection{
		State:          Connected,
		ActiveProvider: providerID,
		ConnectedSince: time.Now(),
	}
	m.attempts = 0
	m.backoff.Reset()
}

// ToReconnecting records a lost session.
func (m *Machine) ToReconnecting(lastErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn.State = Reconnecting
	m.conn.ActiveProvider = ""
	m.conn.ConnectedSince = time.Time{}
	if lastErr != nil {
		m.conn.LastError = lastErr
	}
}

// ToError records exhaustion of all candidates.
func (m *Machine) ToError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn.State = Errored
	m.conn.ActiveProvider = ""
	m.conn.ConnectedSince = time.Time{}
	m.conn.LastError = err
}

// ToDisconnected records an explicit disconnect. Reachable from any
// state; resets retry pacing.
func (m *Machine) ToDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn = Connection{State: Disconnected}
	m.attempts = 0
	m.backoff.Reset()
}

// NextRetryDelay increments the attempt counter and returns the new
// attempt number together with the delay before it. Delays follow
// min(base*2^attempt + jitter, cap). Returning both under one lock
// keeps the reported attempt consistent when a concurrent connect
// resets the counter.
func (m *Machine) NextRetryDelay() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	return m.attempts, m.backoff.NextBackOff()
}

// Attempts returns the number of retry attempts since the last
// successful connect.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
