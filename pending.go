package parley

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// callResult is the terminal outcome of a pending call: the response value
// (still JSON-encoded) or an error, never both.
type callResult struct {
	value json.RawMessage
	err   error
}

// pendingCall is one outstanding request awaiting its correlated response.
// Each call settles exactly once: response, timeout, cancellation, or
// connection loss, whichever comes first.
type pendingCall struct {
	id          string
	messageType string
	ch          chan callResult
	timer       *time.Timer
	deadline    time.Time
	started     time.Time
}

// pendingTable maps outstanding request IDs to their waiting callers and
// enforces per-call timeouts. All operations are safe for concurrent use.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// register inserts a pending call and starts its one-shot timeout timer. The
// returned channel receives the call's single terminal result.
func (t *pendingTable) register(id, messageType string, timeout time.Duration) <-chan callResult {
	now := time.Now()
	pc := &pendingCall{
		id:          id,
		messageType: messageType,
		ch:          make(chan callResult, 1),
		deadline:    now.Add(timeout),
		started:     now,
	}
	pc.timer = time.AfterFunc(timeout, func() {
		t.fail(id, &Error{
			Kind:    KindTimeout,
			Code:    CodeRequestTimeout,
			Message: fmt.Sprintf("request %q timed out after %s", messageType, timeout),
			Details: map[string]any{"id": id, "messageType": messageType, "elapsedMs": timeout.Milliseconds()},
		})
	})

	t.mu.Lock()
	t.calls[id] = pc
	t.mu.Unlock()
	return pc.ch
}

// settle delivers a response body to the call registered under
// correlationID. Late or duplicate responses are ignored; the return value
// reports whether a call was actually settled.
func (t *pendingTable) settle(correlationID string, body ResponseBody) bool {
	pc := t.take(correlationID)
	if pc == nil {
		return false
	}

	if body.OK {
		pc.ch <- callResult{value: body.Value}
		return true
	}

	we := body.Error
	if we == nil {
		we = &WireError{Code: CodeHandlerError, Message: "peer reported failure without error detail"}
	}
	pc.ch <- callResult{err: &Error{
		Kind:    kindForCode(we.Code),
		Code:    we.Code,
		Message: we.Message,
		Details: we.Details,
	}}
	return true
}

// fail settles the call registered under id with an error. No-op when the
// call is unknown or already settled.
func (t *pendingTable) fail(id string, err error) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	pc.ch <- callResult{err: err}
	return true
}

// cancelAll settles every live call with the given error and clears all
// timers. Called on disconnect, on heartbeat loss, and on engine teardown.
func (t *pendingTable) cancelAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.ch <- callResult{err: err}
	}
}

// take removes and returns the call registered under id, stopping its timer.
func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	pc.timer.Stop()
	return pc
}

// size returns the number of outstanding calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
