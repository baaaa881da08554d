package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/tunnel/internal/conn"
	"github.com/driftlabs/tunnel/internal/health"
	"github.com/driftlabs/tunnel/internal/presence"
	"github.com/driftlabs/tunnel/internal/registry"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
	"log/slog"
)

// Errors returned by the manager itself.
var (
	ErrNoProviders     = errors.New("no providers available")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrClosed          = errors.New("manager closed")
)

// candidate is one ranked provider plus its cooldown bookkeeping.
type candidate struct {
	adapter       provider.Adapter
	priority      int
	cooldownUntil time.Time
}

// Manager is the transport manager. One logical instance per
// process; all connection, registry and presence mutations are
// serialized through its mutex and session goroutines.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	senderID string

	machine  *conn.Machine
	registry *registry.Registry
	presence *presence.Tracker
	monitor  *health.Monitor
	events   *emitter

	mu            sync.Mutex
	candidates    []*candidate
	active        provider.Adapter
	sessionCancel context.CancelFunc
	retryCancel   context.CancelFunc
	connectCancel context.CancelFunc
	connectGen    uint64
	closed        bool

	wg sync.WaitGroup
}

// New creates a manager over the given adapters. Slice order is
// priority order: adapters[0] is tried first. Zero-valued options are
// filled with defaults.
func New(adapters []provider.Adapter, opts Options) (*Manager, error) {
	if len(adapters) == 0 {
		return nil, ErrNoProviders
	}
	opts.applyDefaults()

	senderID := opts.SenderID
	if senderID == "" {
		senderID = uuid.NewString()
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With("component", "tunnel"),
		senderID: senderID,
		machine: conn.NewMachine(conn.Config{
			BaseDelay: opts.ReconnectBaseDelay,
			MaxDelay:  opts.ReconnectMaxDelay,
		}),
		registry: registry.New(opts.Logger),
		presence: presence.NewTracker(),
		monitor:  health.NewMonitor(opts.Health),
		events:   newEmitter(),
	}
	for i, a := range adapters {
		m.candidates = append(m.candidates, &candidate{adapter: a, priority: i})
	}
	return m, nil
}

// On registers a listener for an event kind.
func (m *Manager) On(kind EventKind, fn Listener) ListenerID {
	return m.events.on(kind, fn)
}

// Off removes a listener.
func (m *Manager) Off(id ListenerID) {
	m.events.off(id)
}

// ConnectionState returns a copy of the connection record.
func (m *Manager) ConnectionState() conn.Connection {
	return m.machine.Snapshot()
}

// AvailableProviders returns the IDs of candidates not currently in
// cooldown, in priority order.
func (m *Manager) AvailableProviders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(m.candidates))
	for _, c := range m.candidates {
		if c.cooldownUntil.After(now) {
			continue
		}
		ids = append(ids, c.adapter.ID())
	}
	return ids
}

// Presence returns the tracked membership of a channel, sorted by
// user ID. Empty when the active provider lacks the presence
// capability.
func (m *Manager) Presence(channel string) []presence.Entry {
	return m.presence.Members(channel)
}

// Connect establishes the logical connection. No-op when already
// Connected or Connecting. On failure of every candidate the
// connection enters Error, an error event fires, and a background
// retry loop takes over; the error is also returned so the first
// caller can render degraded UI immediately.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	retry := m.retryCancel
	m.retryCancel = nil
	m.mu.Unlock()

	// An armed retry loop would establish a second session on its
	// next tick; stop it before taking over the connect path.
	if retry != nil {
		retry()
	}

	if !m.machine.ToConnecting() {
		return nil
	}
	m.setStateMetric()

	if err := m.establishCancelable(ctx, nil); err != nil {
		if m.machine.State() == conn.Disconnected {
			// Disconnect aborted the attempt; it already settled the
			// state, so no error transition and no retry loop.
			return err
		}
		m.machine.ToError(err)
		m.setStateMetric()
		m.events.emit(Event{Kind: EventError, Err: err})
		m.startRetryLoop()
		return err
	}
	return nil
}

// Disconnect tears the connection down and cancels any pending
// reconnect and any in-flight connect attempt. Idempotent.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	retry := m.retryCancel
	m.retryCancel = nil
	connect := m.connectCancel
	m.connectCancel = nil
	old := m.detachLocked()
	wasDisconnected := m.machine.State() == conn.Disconnected
	// Settle the state before firing the cancels so an aborted connect
	// attempt observes Disconnected and stands down.
	m.machine.ToDisconnected()
	m.mu.Unlock()

	if retry != nil {
		retry()
	}
	if connect != nil {
		connect()
	}
	if old != nil {
		old.Disconnect()
	}
	m.presence.ClearAll()
	m.opts.Metrics.ResetPresenceMembers()
	m.setStateMetric()

	if !wasDisconnected {
		m.events.emit(Event{Kind: EventDisconnect})
	}
	return nil
}

// Close disconnects and permanently shuts the manager down, waiting
// for its goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, abandoning goroutines")
		return ctx.Err()
	}
}

// Publish sends one message on a channel. A local subscription is not
// required. Failures are surfaced to the caller, which owns the retry
// decision; the manager never requeues an in-flight publish across a
// provider switch.
func (m *Manager) Publish(ctx context.Context, channel, event string, data any) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return &provider.SendError{Channel: channel, Err: provider.ErrNotConnected}
	}

	msg, err := provider.NewMessage(channel, event, data, m.senderID)
	if err != nil {
		return &provider.SendError{Provider: active.ID(), Channel: channel, Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	if err := active.Send(sendCtx, msg); err != nil {
		return err
	}
	m.opts.Metrics.IncMessageOut(active.ID())
	if m.opts.Debug {
		m.logger.Debug("published", "channel", channel, "event", event)
	}
	return nil
}

// Subscription is the caller-owned handle for one subscription.
// Release it with Unsubscribe; safe to release twice and safe to
// release from inside a message handler.
type Subscription struct {
	manager *Manager
	inner   registry.Subscription
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.inner.Channel }

// Unsubscribe releases the subscription. When the last subscriber of
// a channel leaves, the provider-level subscription is dropped too.
func (s *Subscription) Unsubscribe() {
	s.manager.unsubscribe(s.inner)
}

// Subscribe registers a handler for a channel. The first subscriber
// triggers one provider-level subscribe; further subscribers share
// it. When the connection is not yet established the subscription is
// recorded and replayed on the next successful connect.
//
// An authorization rejection fails only this call: the connection and
// every other channel are unaffected.
func (m *Manager) Subscribe(channel string, handler func(provider.Message)) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub, first := m.registry.Add(channel, registry.Handler(handler))
	active := m.active
	connected := m.machine.State() == conn.Connected
	m.opts.Metrics.SetActiveChannels(len(m.registry.ActiveChannels()))
	m.mu.Unlock()

	// The provider call happens outside the mutex: a slow provider
	// must not stall Publish, Disconnect or failure handling for the
	// whole subscribe timeout.
	if first && active != nil && connected {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SubscribeTimeout)
		err := active.Subscribe(ctx, channel)
		cancel()
		switch {
		case err == nil:
			m.requestPresenceSync(active, channel)
		case provider.IsAuthorization(err):
			m.mu.Lock()
			m.registry.Rollback(sub)
			m.opts.Metrics.SetActiveChannels(len(m.registry.ActiveChannels()))
			m.mu.Unlock()
			m.logger.Warn("subscribe rejected", "channel", channel, "error", err)
			return nil, err
		default:
			// Transport-level failure: the subscription stays in the
			// desired set and is re-established by replay after the
			// session recovers.
			m.logger.Warn("provider subscribe failed, deferring to replay",
				"channel", channel, "error", err)
		}
	}

	return &Subscription{manager: m, inner: sub}, nil
}

// unsubscribe releases one registry entry and, for the last
// subscriber, the provider-level subscription.
func (m *Manager) unsubscribe(sub registry.Subscription) {
	m.mu.Lock()
	last, ok := m.registry.Remove(sub)
	active := m.active
	connected := m.machine.State() == conn.Connected
	m.opts.Metrics.SetActiveChannels(len(m.registry.ActiveChannels()))
	m.mu.Unlock()

	if !ok || !last {
		return
	}

	m.presence.Clear(sub.Channel)
	m.opts.Metrics.SetPresenceMembers(sub.Channel, 0)

	if active != nil && connected {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SubscribeTimeout)
		defer cancel()
		if err := active.Unsubscribe(ctx, sub.Channel); err != nil {
			m.logger.Warn("provider unsubscribe failed", "channel", sub.Channel, "error", err)
		}
	}
}

// SwitchProvider forces a switch to the named provider, bypassing
// priority order and cooldown, but still passing through the normal
// replay and presence-sync path.
func (m *Manager) SwitchProvider(ctx context.Context, providerID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	target := m.candidateLocked(providerID)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if m.active != nil && m.active.ID() == providerID {
		m.mu.Unlock()
		return nil
	}
	retry := m.retryCancel
	m.retryCancel = nil
	old := m.detachLocked()
	m.mu.Unlock()

	if retry != nil {
		retry()
	}
	var fromID string
	if old != nil {
		fromID = old.ID()
		old.Disconnect()
	}

	m.machine.ForceConnecting()
	m.setStateMetric()

	if err := m.establishCancelable(ctx, target); err != nil {
		m.machine.ToError(err)
		m.setStateMetric()
		m.events.emit(Event{Kind: EventError, Err: err})
		m.startRetryLoop()
		return err
	}

	m.events.emit(Event{Kind: EventTransportSwitch, From: fromID, To: providerID})
	return nil
}

// establishCancelable runs one establish pass under a cancel func
// that Disconnect can fire to abort an in-flight connect attempt.
func (m *Manager) establishCancelable(ctx context.Context, target *candidate) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.connectGen++
	gen := m.connectGen
	m.connectCancel = cancel
	m.mu.Unlock()

	err := m.establish(attemptCtx, target)

	m.mu.Lock()
	if m.connectGen == gen {
		m.connectCancel = nil
	}
	m.mu.Unlock()
	return err
}

// establish tries candidates until one connects and is fully
// attached: subscriptions replayed and presence sync requested before
// the connection is reported stable. A nil target means priority
// order, skipping candidates in cooldown.
func (m *Manager) establish(ctx context.Context, target *candidate) error {
	cands := m.pickCandidates(target)
	if len(cands) == 0 {
		return ErrNoProviders
	}

	var lastErr error
	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}

		adapter := cand.adapter
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := adapter.Connect(attemptCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				// Aborted, not the provider's fault; no cooldown.
				return err
			}
			m.logger.Warn("provider connect failed", "provider", adapter.ID(), "error", err)
			m.coolDown(cand)
			lastErr = err
			continue
		}

		if err := m.attach(ctx, adapter); err != nil {
			adapter.Disconnect()
			if ctx.Err() != nil {
				return err
			}
			m.coolDown(cand)
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// attach replays the desired subscription set on a freshly connected
// adapter, requests presence syncs, then installs it as the active
// provider and starts the session loops.
func (m *Manager) attach(ctx context.Context, adapter provider.Adapter) error {
	// Stale incremental presence state is unrecoverable across a
	// session boundary; the next full sync repopulates it.
	m.presence.ClearAll()
	m.opts.Metrics.ResetPresenceMembers()

	replayed := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			// The attempt was aborted mid-replay; never install a
			// session the caller no longer wants.
			return err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		var pending []string
		for _, ch := range m.registry.ActiveChannels() {
			if _, ok := replayed[ch]; !ok {
				pending = append(pending, ch)
			}
		}
		if len(pending) > 0 {
			m.mu.Unlock()
			// Replays run outside the mutex so a slow provider cannot
			// stall Publish or Disconnect; channels subscribed in the
			// meantime are picked up on the next round.
			for _, ch := range pending {
				if err := m.replaySubscribe(adapter, ch); err != nil {
					return err
				}
				replayed[ch] = struct{}{}
			}
			continue
		}

		sessionCtx, cancel := context.WithCancel(context.Background())
		// A session installed concurrently (a retry tick racing an
		// explicit connect) must not be leaked under the new one.
		stale := m.detachLocked()
		m.active = adapter
		m.sessionCancel = cancel
		m.monitor.Reset(adapter.ID())
		// State flips before the mutex is released so a Subscribe
		// landing next sees a consistent (active, state) pair.
		m.machine.ToConnected(adapter.ID())
		m.setStateMetric()
		m.mu.Unlock()

		if stale != nil && stale != adapter {
			stale.Disconnect()
		}

		m.wg.Add(2)
		go m.readLoop(sessionCtx, adapter)
		go m.healthLoop(sessionCtx, adapter)

		m.logger.Info("connected", "provider", adapter.ID(),
			"channels", len(replayed), "presence", adapter.Capabilities().Presence)
		m.events.emit(Event{Kind: EventConnect, Provider: adapter.ID()})
		return nil
	}
}

// replaySubscribe re-issues one channel subscription on a new
// provider. Authorization rejections drop the channel from delivery
// on this provider but never abort the whole attach.
func (m *Manager) replaySubscribe(adapter provider.Adapter, channel string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SubscribeTimeout)
	defer cancel()

	if err := adapter.Subscribe(ctx, channel); err != nil {
		if provider.IsAuthorization(err) {
			m.logger.Warn("replay subscribe rejected", "channel", channel, "error", err)
			return nil
		}
		return err
	}
	m.requestPresenceSync(adapter, channel)
	return nil
}

// requestPresenceSync asks a presence-capable provider for a full
// membership snapshot of a channel. Best effort.
func (m *Manager) requestPresenceSync(adapter provider.Adapter, channel string) {
	if !adapter.Capabilities().Presence {
		return
	}
	msg, err := provider.NewMessage(channel, provider.EventPresenceSyncRequest, nil, m.senderID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	defer cancel()
	if err := adapter.Send(ctx, msg); err != nil {
		m.logger.Warn("presence sync request failed", "channel", channel, "error", err)
	}
}

// pickCandidates snapshots the candidate order for one establish
// pass: either the explicit target, or every candidate not in
// cooldown, by priority.
func (m *Manager) pickCandidates(target *candidate) []*candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target != nil {
		return []*candidate{target}
	}

	now := time.Now()
	out := make([]*candidate, 0, len(m.candidates))
	for _, c := range m.candidates {
		if c.cooldownUntil.After(now) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

func (m *Manager) candidateLocked(providerID string) *candidate {
	for _, c := range m.candidates {
		if c.adapter.ID() == providerID {
			return c
		}
	}
	return nil
}

// coolDown benches a provider for the configured window.
func (m *Manager) coolDown(cand *candidate) {
	m.mu.Lock()
	cand.cooldownUntil = time.Now().Add(m.opts.Cooldown)
	m.mu.Unlock()
}

// detachLocked cancels the session loops and clears the active
// provider, returning it for the caller to close. Callers hold m.mu.
func (m *Manager) detachLocked() provider.Adapter {
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
	old := m.active
	m.active = nil
	return old
}

// readLoop drains one provider session, dispatching messages and
// reacting to fatal session errors.
func (m *Manager) readLoop(ctx context.Context, adapter provider.Adapter) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-adapter.Errors():
			m.handleSessionFailure(adapter, err)
			return

		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			m.handleInbound(adapter, msg)
		}
	}
}

// handleInbound routes one message: presence control events update
// the tracker, everything is dispatched to channel handlers in the
// provider's delivery order.
func (m *Manager) handleInbound(adapter provider.Adapter, msg provider.Message) {
	m.opts.Metrics.IncMessageIn(adapter.ID())

	switch msg.Event {
	case provider.EventPresenceJoin:
		var d provider.PresenceDelta
		if err := json.Unmarshal(msg.Data, &d); err == nil && d.UserID != "" {
			m.presence.Join(msg.Channel, d.UserID, d.Metadata)
			m.opts.Metrics.SetPresenceMembers(msg.Channel, len(m.presence.Members(msg.Channel)))
		}
	case provider.EventPresenceLeave:
		var d provider.PresenceDelta
		if err := json.Unmarshal(msg.Data, &d); err == nil && d.UserID != "" {
			m.presence.Leave(msg.Channel, d.UserID)
			m.opts.Metrics.SetPresenceMembers(msg.Channel, len(m.presence.Members(msg.Channel)))
		}
	case provider.EventPresenceSync:
		var snap provider.PresenceSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err == nil {
			entries := make([]presence.Entry, 0, len(snap.Members))
			for _, member := range snap.Members {
				entries = append(entries, presence.Entry{
					UserID:   member.UserID,
					Metadata: member.Metadata,
				})
			}
			m.presence.SyncFull(msg.Channel, entries)
			m.registry.MarkSynced(msg.Channel, time.Now())
			m.opts.Metrics.SetPresenceMembers(msg.Channel, len(snap.Members))
		}
	}

	if m.opts.Debug {
		m.logger.Debug("message", "channel", msg.Channel, "event", msg.Event)
	}
	m.registry.Dispatch(msg)
	m.events.emit(Event{Kind: EventMessage, Provider: adapter.ID(), Message: &msg})
}

// handleSessionFailure reacts to an unsolicited provider drop:
// cooldown, Reconnecting, and the backoff retry loop.
func (m *Manager) handleSessionFailure(adapter provider.Adapter, cause error) {
	m.mu.Lock()
	if m.active != adapter || m.closed {
		m.mu.Unlock()
		return
	}
	old := m.detachLocked()
	cand := m.candidateLocked(adapter.ID())
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	if cand != nil {
		m.coolDown(cand)
	}

	m.logger.Warn("provider session lost", "provider", adapter.ID(), "error", cause)
	m.machine.ToReconnecting(cause)
	m.setStateMetric()
	m.events.emit(Event{Kind: EventError, Provider: adapter.ID(), Err: cause})
	m.startRetryLoop()
}

// healthLoop probes the active provider and triggers failover on
// degradation. It also drives the periodic presence resync.
func (m *Manager) healthLoop(ctx context.Context, adapter provider.Adapter) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	var resync <-chan time.Time
	if m.opts.PresenceResyncInterval > 0 && adapter.Capabilities().Presence {
		resyncTicker := time.NewTicker(m.opts.PresenceResyncInterval)
		defer resyncTicker.Stop()
		resync = resyncTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-resync:
			for _, ch := range m.registry.ActiveChannels() {
				m.requestPresenceSync(adapter, ch)
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
			latency, err := adapter.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}

			sample := health.Sample{
				Provider:  adapter.ID(),
				Latency:   latency,
				SampledAt: time.Now(),
				Timeout:   err != nil,
			}
			snap := m.monitor.Record(sample)

			if err == nil {
				m.opts.Metrics.ObservePing(adapter.ID(), latency.Seconds())
				m.events.emit(Event{Kind: EventLatency, Provider: adapter.ID(), Latency: latency})
			} else {
				m.logger.Warn("health probe failed", "provider", adapter.ID(), "error", err)
			}
			m.events.emit(Event{Kind: EventHealth, Provider: adapter.ID(), Health: &snap})

			if snap.Degraded {
				m.failover(adapter, fmt.Errorf("provider %s degraded: latency=%s error_rate=%.2f",
					adapter.ID(), snap.RollingLatency, snap.ErrorRate))
				return
			}
		}
	}
}

// failover benches the degraded provider and moves the session to the
// next candidate, replaying subscriptions on the way. The connection
// was nominally still up, so a successful failover surfaces as a
// transport switch, not a disconnect.
func (m *Manager) failover(from provider.Adapter, cause error) {
	m.mu.Lock()
	if m.active != from || m.closed {
		m.mu.Unlock()
		return
	}
	old := m.detachLocked()
	cand := m.candidateLocked(from.ID())
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	if cand != nil {
		m.coolDown(cand)
	}
	m.opts.Metrics.IncFailover()

	m.logger.Warn("failing over", "from", from.ID(), "cause", cause)
	m.machine.ToReconnecting(cause)
	m.setStateMetric()

	if err := m.establishCancelable(context.Background(), nil); err != nil {
		if m.machine.State() == conn.Disconnected {
			return
		}
		m.events.emit(Event{Kind: EventError, Err: err})
		m.startRetryLoop()
		return
	}

	m.events.emit(Event{
		Kind: EventTransportSwitch,
		From: from.ID(),
		To:   m.machine.Snapshot().ActiveProvider,
	})
}

// startRetryLoop begins (or keeps) the background reconnect loop:
// exponential backoff with jitter, forever, until success or an
// explicit disconnect.
func (m *Manager) startRetryLoop() {
	m.mu.Lock()
	if m.retryCancel != nil || m.closed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.retryCancel = cancel
	m.mu.Unlock()

	m.machine.ToReconnecting(nil)
	m.setStateMetric()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			attempt, delay := m.machine.NextRetryDelay()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			m.events.emit(Event{Kind: EventReconnect, Attempt: attempt})
			m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

			if err := m.establish(ctx, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
				continue
			}

			m.mu.Lock()
			m.retryCancel = nil
			m.mu.Unlock()
			return
		}
	}()
}

func (m *Manager) setStateMetric() {
	m.opts.Metrics.SetConnectionState(m.machine.State().String())
}
