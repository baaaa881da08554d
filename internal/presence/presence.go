// Package presence maintains per-channel membership sets reconciled
// from join/leave deltas and periodic full syncs.
//
// Deltas received while disconnected are unrecoverable, so a full
// sync always wins over accumulated incremental state: SyncFull
// replaces the whole membership map for its channel. Channels on
// providers without the presence capability simply stay empty.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Entry is one tracked participant, keyed by (channel, userID).
type Entry struct {
	Channel  string
	UserID   string
	Metadata json.RawMessage
	JoinedAt time.Time
}

// Tracker holds membership state for all subscribed channels.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]map[string]Entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{channels: make(map[string]map[string]Entry)}
}

// Join adds or overwrites a member.
func (t *Tracker) Join(channel, userID string, metadata json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]Entry)
		t.channels[channel] = members
	}
	members[userID] = Entry{
		Channel:  channel,
		UserID:   userID,
		Metadata: metadata,
		JoinedAt: time.Now(),
	}
}

// Leave removes a member. Unknown members are a no-op.
func (t *Tracker) Leave(channel, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if members, ok := t.channels[channel]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.channels, channel)
		}
	}
}

// SyncFull atomically replaces the membership map for a channel with
// the server-reported set, discarding any stale incremental state.
func (t *Tracker) SyncFull(channel string, entries []Entry) {
	now := time.Now()
	members := make(map[string]Entry, len(entries))
	for _, e := range entries {
		e.Channel = channel
		if e.JoinedAt.IsZero() {
			e.JoinedAt = now
		}
		members[e.UserID] = e
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(members) == 0 {
		delete(t.channels, channel)
		return
	}
	t.channels[channel] = members
}

// Members returns the current membership of a channel, sorted by
// user ID. Empty (never nil-panicking) for unknown channels.
func (t *Tracker) Members(channel string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := t.channels[channel]
	out := make([]Entry, 0, len(members))
	for _, e := range members {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clear drops all state for a channel.
func (t *Tracker) Clear(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channel)
}

// ClearAll drops all state, used on disconnect.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = make(map[string]map[string]Entry)
}
