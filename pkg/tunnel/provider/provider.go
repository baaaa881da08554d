package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Capabilities describes what a transport driver can do. The manager
// degrades gracefully around missing capabilities instead of failing
// the connection.
type Capabilities struct {
	Presence bool // driver delivers presence join/leave/sync events
	Binary   bool // driver carries binary payloads without encoding
}

// Adapter is the uniform contract every transport driver implements.
//
// Connect, Send, Subscribe, Unsubscribe and Ping honor context
// cancellation and deadlines; a hung driver must never block the
// caller past its deadline. Messages and Errors return channels that
// stay valid for the lifetime of the adapter; both are drained by the
// manager's read loop.
type Adapter interface {
	// ID returns the stable identifier used in config priority lists
	// and telemetry (e.g. "websocket", "sse", "postgres", "longpoll").
	ID() string

	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// Disconnect closes the session. Idempotent.
	Disconnect() error

	// Send publishes one message on the active session.
	Send(ctx context.Context, msg Message) error

	// Subscribe asks the transport to deliver messages for a channel.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe stops delivery for a channel.
	Unsubscribe(ctx context.Context, channel string) error

	// Ping measures a transport-level round trip.
	Ping(ctx context.Context) (time.Duration, error)

	// Capabilities reports the driver's capability profile.
	Capabilities() Capabilities

	// Messages returns the inbound message stream.
	Messages() <-chan Message

	// Errors returns the stream of fatal session errors. An error on
	// this channel means the session is dead and the manager should
	// fail over.
	Errors() <-chan error
}

// Message is the wire-level unit exchanged with providers. Immutable
// and transient; never persisted by this subsystem.
type Message struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	SenderID  string          `json:"sender_id,omitempty"`
}

// NewMessage builds a timestamped message, marshaling data to JSON.
func NewMessage(channel, event string, data any, senderID string) (Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Channel:   channel,
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
	}, nil
}

// Reserved event names for presence traffic. Providers that declare
// the presence capability deliver these as ordinary messages; the
// manager routes them to the presence tracker.
const (
	EventPresenceJoin  = "presence.join"
	EventPresenceLeave = "presence.leave"
	EventPresenceSync  = "presence.sync"

	// EventPresenceSyncRequest is sent by the manager to ask the
	// provider for a full membership snapshot of a channel.
	EventPresenceSyncRequest = "presence.sync_request"
)

// PresenceDelta is the payload of a presence.join or presence.leave event.
type PresenceDelta struct {
	UserID   string          `json:"user_id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PresenceSnapshot is the payload of a presence.sync event: the full
// server-reported membership set for the message's channel.
type PresenceSnapshot struct {
	Members []PresenceDelta `json:"members"`
}
