package parley

import (
	"log/slog"
	"sync"
	"time"
)

// EventName identifies a system event emitted by the engine.
type EventName string

const (
	EventConnected        EventName = "connected"
	EventDisconnected     EventName = "disconnected"
	EventConnectionLost   EventName = "connection-lost"
	EventStateChanged     EventName = "connection-state-changed"
	EventHeartbeatMissed  EventName = "heartbeat-missed"
	EventError            EventName = "error"
	EventTimeout          EventName = "timeout"
	EventMessageSent      EventName = "message-sent"
	EventMessageReceived  EventName = "message-received"
	EventResponseSent     EventName = "response-sent"
	EventResponseReceived EventName = "response-received"
	EventHandshake        EventName = "handshake"
)

// Event is one lifecycle notification. Listeners receive events
// synchronously on engine goroutines and must not block.
type Event struct {
	// Name identifies the event.
	Name EventName
	// Timestamp is when the event was emitted.
	Timestamp time.Time
	// State is the engine's connection state at emit time.
	State ConnectionState
	// MessageType is set on message-related events.
	MessageType string
	// Err is set on error and timeout events.
	Err error
	// Data holds event-specific key/value pairs.
	Data map[string]any
}

// EventListener receives events subscribed via Engine.OnEvent.
type EventListener func(Event)

// EventSink receives every event the engine emits, regardless of listener
// registrations. Analytics and metrics collectors implement this.
type EventSink interface {
	Emit(Event)
}

// eventEmitter is the observer registry for the enumerated event alphabet.
// There are no wildcard subscriptions; an optional sink sees everything.
type eventEmitter struct {
	logger *slog.Logger
	sink   EventSink

	mu        sync.RWMutex
	nextID    int
	listeners map[EventName]map[int]EventListener
}

func newEventEmitter(logger *slog.Logger, sink EventSink) *eventEmitter {
	return &eventEmitter{
		logger:    logger,
		sink:      sink,
		listeners: make(map[EventName]map[int]EventListener),
	}
}

// on registers a listener and returns a cancel function removing just that
// registration.
func (e *eventEmitter) on(name EventName, fn EventListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.listeners[name] == nil {
		e.listeners[name] = make(map[int]EventListener)
	}
	e.listeners[name][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[name], id)
	}
}

// off removes every listener registered for the given event name.
func (e *eventEmitter) off(name EventName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, name)
}

// emit delivers the event to all listeners for its name, then to the sink.
func (e *eventEmitter) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	fns := make([]EventListener, 0, len(e.listeners[ev.Name]))
	for _, fn := range e.listeners[ev.Name] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	if e.sink != nil {
		e.sink.Emit(ev)
	}
}
