// Package memory implements an in-process loopback transport.
//
// A Broker fans messages out to every connected adapter subscribed to
// the message's channel. It backs unit tests and local development
// where no realtime backend is running, and doubles as the reference
// implementation of the provider contract, including presence
// bookkeeping.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Broker is the shared in-process message bus.
type Broker struct {
	mu       sync.Mutex
	clients  map[string]*Adapter
	presence map[string]map[string]provider.PresenceDelta // channel -> user -> entry
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[string]*Adapter),
		presence: make(map[string]map[string]provider.PresenceDelta),
	}
}

// publish fans one message out to subscribed clients.
func (b *Broker) publish(msg provider.Message) {
	b.mu.Lock()
	targets := make([]*Adapter, 0, len(b.clients))
	for _, c := range b.clients {
		if c.subscribed(msg.Channel) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliver(msg)
	}
}

// Join records presence for a user and broadcasts the join event.
func (b *Broker) Join(channel, userID string, metadata json.RawMessage) {
	b.mu.Lock()
	if b.presence[channel] == nil {
		b.presence[channel] = make(map[string]provider.PresenceDelta)
	}
	b.presence[channel][userID] = provider.PresenceDelta{UserID: userID, Metadata: metadata}
	b.mu.Unlock()

	data, _ := json.Marshal(provider.PresenceDelta{UserID: userID, Metadata: metadata})
	b.publish(provider.Message{
		Channel:   channel,
		Event:     provider.EventPresenceJoin,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Leave removes presence for a user and broadcasts the leave event.
func (b *Broker) Leave(channel, userID string) {
	b.mu.Lock()
	delete(b.presence[channel], userID)
	b.mu.Unlock()

	data, _ := json.Marshal(provider.PresenceDelta{UserID: userID})
	b.publish(provider.Message{
		Channel:   channel,
		Event:     provider.EventPresenceLeave,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// syncSnapshot returns the full membership set for a channel.
func (b *Broker) syncSnapshot(channel string) provider.PresenceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var snap provider.PresenceSnapshot
	for _, entry := range b.presence[channel] {
		snap.Members = append(snap.Members, entry)
	}
	return snap
}

// register attaches an adapter to the broker.
func (b *Broker) register(a *Adapter) {
	b.mu.Lock()
	b.clients[a.clientID] = a
	b.mu.Unlock()
}

// unregister detaches an adapter from the broker.
func (b *Broker) unregister(a *Adapter) {
	b.mu.Lock()
	delete(b.clients, a.clientID)
	b.mu.Unlock()
}

// Adapter is the loopback implementation of provider.Adapter.
type Adapter struct {
	broker   *Broker
	clientID string

	messages chan provider.Message
	errors   chan error

	mu        sync.Mutex
	connected bool
	channels  map[string]struct{}
}

// New creates a loopback driver attached to a broker.
func New(broker *Broker) *Adapter {
	return &Adapter{
		broker:   broker,
		clientID: uuid.NewString(),
		messages: make(chan provider.Message, 256),
		errors:   make(chan error, 1),
		channels: make(map[string]struct{}),
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return "memory" }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Presence: true, Binary: true}
}

// Connect implements provider.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.connected = true
	a.broker.register(a)
	return nil
}

// Disconnect implements provider.Adapter. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	a.channels = make(map[string]struct{})
	a.mu.Unlock()

	a.broker.unregister(a)
	return nil
}

// Send implements provider.Adapter. A presence sync request is
// answered immediately with a snapshot for the requested channel.
func (a *Adapter) Send(ctx context.Context, msg provider.Message) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return &provider.SendError{Provider: a.ID(), Channel: msg.Channel, Err: provider.ErrNotConnected}
	}

	if msg.Event == provider.EventPresenceSyncRequest {
		snap := a.broker.syncSnapshot(msg.Channel)
		data, _ := json.Marshal(snap)
		a.deliver(provider.Message{
			Channel:   msg.Channel,
			Event:     provider.EventPresenceSync,
			Data:      data,
			Timestamp: time.Now().UnixMilli(),
		})
		return nil
	}

	a.broker.publish(msg)
	return nil
}

// Subscribe implements provider.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return provider.ErrNotConnected
	}
	a.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe implements provider.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.channels, channel)
	return nil
}

// Ping implements provider.Adapter.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return 0, provider.ErrNotConnected
	}
	return time.Microsecond, nil
}

// Messages implements provider.Adapter.
func (a *Adapter) Messages() <-chan provider.Message { return a.messages }

// Errors implements provider.Adapter.
func (a *Adapter) Errors() <-chan error { return a.errors }

// Fail simulates an unsolicited transport failure.
func (a *Adapter) Fail(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	select {
	case a.errors <- err:
	default:
	}
}

func (a *Adapter) subscribed(channel string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.channels[channel]
	return ok
}

func (a *Adapter) deliver(msg provider.Message) {
	select {
	case a.messages <- msg:
	default:
	}
}
