package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by drivers.
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrStaleSession  = errors.New("session stale (no ping)")
)

// ConnectionError means a provider could not establish or keep a
// session. The manager treats it as grounds for failover, never as a
// fatal application error unless every candidate is exhausted.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider %s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthorizationError means a channel or provider rejected the caller.
// It is surfaced to the specific subscribe/publish call, never
// retried, and never tears down the connection.
type AuthorizationError struct {
	Provider string
	Channel  string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("provider %s: channel %q: unauthorized: %s", e.Provider, e.Channel, e.Reason)
}

// TimeoutError means a connect or ping exceeded its bound. For
// failover purposes it is handled like a ConnectionError.
type TimeoutError struct {
	Provider string
	Op       string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: %s timed out after %s", e.Provider, e.Op, e.After)
}

// SendError means a publish failed on the active provider. Surfaced
// to the caller, which owns the retry decision.
type SendError struct {
	Provider string
	Channel  string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider %s: send on %q failed: %v", e.Provider, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsAuthorization reports whether err is authorization-class.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err should trigger failover rather than
// be surfaced as final. Authorization failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsAuthorization(err) {
		return false
	}
	var ce *ConnectionError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, ErrStaleSession)
}
