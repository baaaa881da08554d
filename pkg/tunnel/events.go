package tunnel

import (
	"sync"
	"time"

	"github.com/driftlabs/tunnel/internal/health"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// EventKind discriminates tunnel events. A tagged union beats
// stringly-typed event names; bindings that need strings can use
// String().
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventReconnect
	EventError
	EventHealth
	EventLatency
	EventTransportSwitch
	EventMessage
)

// String returns the event name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	case EventHealth:
		return "health"
	case EventLatency:
		return "latency"
	case EventTransportSwitch:
		return "transport:switch"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one tunnel notification. Only the fields relevant to the
// Kind are populated.
type Event struct {
	Kind     EventKind
	Provider string            // provider involved, when known
	Attempt  int               // reconnect attempt count
	Err      error             // error events
	Health   *health.Snapshot  // health events
	Latency  time.Duration     // latency events
	Message  *provider.Message // message events
	From, To string            // transport switch
}

// Listener receives events. Listeners run synchronously on the
// manager's event path and must not block.
type Listener func(Event)

// ListenerID identifies a registered listener for Off.
type ListenerID struct {
	kind EventKind
	id   int64
}

// emitter fans events out to per-kind listener sets.
type emitter struct {
	mu        sync.RWMutex
	listeners map[EventKind]map[int64]Listener
	nextID    int64
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[EventKind]map[int64]Listener)}
}

func (e *emitter) on(kind EventKind, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.listeners[kind]
	if !ok {
		set = make(map[int64]Listener)
		e.listeners[kind] = set
	}
	e.nextID++
	set[e.nextID] = fn
	return ListenerID{kind: kind, id: e.nextID}
}

func (e *emitter) off(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if set, ok := e.listeners[id.kind]; ok {
		delete(set, id.id)
	}
}

// emit invokes every listener registered for the event's kind.
// Listeners are copied out under the lock and invoked without it, so
// a listener may call On/Off without deadlocking.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	set := e.listeners[ev.Kind]
	fns := make([]Listener, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
