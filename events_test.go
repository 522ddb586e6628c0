package parley

import (
	"log/slog"
	"testing"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(ev Event) { s.events = append(s.events, ev) }

func TestEmitterDeliversToListeners(t *testing.T) {
	em := newEventEmitter(slog.Default(), nil)

	var got []Event
	em.on(EventConnected, func(ev Event) { got = append(got, ev) })
	em.on(EventConnected, func(ev Event) { got = append(got, ev) })
	em.on(EventDisconnected, func(ev Event) { t.Error("wrong event delivered") })

	em.emit(Event{Name: EventConnected, State: StateConnected})

	if len(got) != 2 {
		t.Fatalf("deliveries: got %d, want 2", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Error("emit did not stamp the timestamp")
	}
}

func TestEmitterCancelRemovesOneListener(t *testing.T) {
	em := newEventEmitter(slog.Default(), nil)

	calls := 0
	cancel := em.on(EventError, func(Event) { calls++ })
	em.on(EventError, func(Event) { calls++ })

	cancel()
	em.emit(Event{Name: EventError})

	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestEmitterOffRemovesAll(t *testing.T) {
	em := newEventEmitter(slog.Default(), nil)

	em.on(EventTimeout, func(Event) { t.Error("listener survived off") })
	em.on(EventTimeout, func(Event) { t.Error("listener survived off") })
	em.off(EventTimeout)

	em.emit(Event{Name: EventTimeout})
}

func TestEmitterSinkSeesEverything(t *testing.T) {
	sink := &recordingSink{}
	em := newEventEmitter(slog.Default(), sink)

	em.emit(Event{Name: EventConnected})
	em.emit(Event{Name: EventMessageSent, MessageType: "echo"})

	if len(sink.events) != 2 {
		t.Fatalf("sink events: got %d, want 2", len(sink.events))
	}
	if sink.events[1].MessageType != "echo" {
		t.Errorf("sink event: got %+v", sink.events[1])
	}
}
