package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// Handler is invoked for every inbound message on a subscribed
// channel. Handlers run on the manager's dispatch goroutine; per-
// channel order is the provider's delivery order.
type Handler func(provider.Message)

// Subscription is the caller-owned handle returned by Subscribe.
type Subscription struct {
	ID      string
	Channel string
}

// ChannelInfo is a point-in-time view of one channel.
type ChannelInfo struct {
	Name            string
	SubscriberCount int
	LastSyncAt      time.Time
}

// channelState tracks one ref-counted channel.
type channelState struct {
	name       string
	handlers   map[string]Handler // subscription ID -> handler
	order      []string           // subscription IDs in registration order
	lastSyncAt time.Time
}

// Registry tracks desired subscriptions and dispatches inbound
// messages.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*channelState
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		channels: make(map[string]*channelState),
	}
}

// Add registers a handler for a channel and returns the subscription
// handle. first is true when this is the channel's first subscriber,
// meaning the caller must issue the provider-level subscribe.
func (r *Registry) Add(channel string, h Handler) (sub Subscription, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channel]
	if !ok {
		ch = &channelState{
			name:     channel,
			handlers: make(map[string]Handler),
		}
		r.channels[channel] = ch
		first = true
	}

	id := uuid.NewString()
	ch.handlers[id] = h
	ch.order = append(ch.order, id)

	return Subscription{ID: id, Channel: channel}, first
}

// Remove drops a subscription. last is true when the channel lost its
// final subscriber and was destroyed, meaning the caller should issue
// the provider-level unsubscribe. Removing an unknown subscription is
// a no-op (unsubscribe is idempotent).
func (r *Registry) Remove(sub Subscription) (last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[sub.Channel]
	if !exists {
		return false, false
	}
	if _, exists := ch.handlers[sub.ID]; !exists {
		return false, false
	}

	delete(ch.handlers, sub.ID)
	for i, id := range ch.order {
		if id == sub.ID {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}

	if len(ch.handlers) == 0 {
		delete(r.channels, sub.Channel)
		return true, true
	}
	return false, true
}

// Rollback removes a just-added subscription after a failed provider
// subscribe, destroying the channel it created.
func (r *Registry) Rollback(sub Subscription) {
	r.Remove(sub)
}

// Dispatch invokes every handler registered for the message's
// channel. Handlers are copied out under the read lock and invoked
// without it, so a handler may unsubscribe (itself included) without
// deadlocking. Messages for unknown channels are dropped; providers
// may deliver strays during an unsubscribe race.
func (r *Registry) Dispatch(msg provider.Message) {
	r.mu.RLock()
	ch, ok := r.channels[msg.Channel]
	if !ok {
		r.mu.RUnlock()
		r.logger.Debug("dropping message for unknown channel", "channel", msg.Channel)
		return
	}
	handlers := make([]Handler, 0, len(ch.order))
	for _, id := range ch.order {
		if h, ok := ch.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// ActiveChannels returns the sorted replay set: every channel with at
// least one subscriber.
func (r *Registry) ActiveChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkSynced records a completed presence full-sync for a channel.
func (r *Registry) MarkSynced(channel string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[channel]; ok {
		ch.lastSyncAt = at
	}
}

// Info returns a snapshot of one channel, if it exists.
func (r *Registry) Info(channel string) (ChannelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[channel]
	if !ok {
		return ChannelInfo{}, false
	}
	return ChannelInfo{
		Name:            ch.name,
		SubscriberCount: len(ch.handlers),
		LastSyncAt:      ch.lastSyncAt,
	}, true
}
