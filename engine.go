package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the engine's lifecycle state.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
	StateDisconnected  ConnectionState = "disconnected"
	// StateLost is a liveness failure inferred from missed heartbeats, as
	// opposed to StateDisconnected which is an explicit close by either side.
	StateLost ConnectionState = "lost"
)

// TargetInfo describes the bound peer endpoint. Created at Connect and
// replaced by the next Connect; teardown does not clear it.
type TargetInfo struct {
	Endpoint       Transport
	ExpectedOrigin string
	TargetOrigin   string
	Kind           TargetType
}

// Request is an inbound user request delivered to a registered handler.
type Request struct {
	Type      string
	Payload   json.RawMessage
	Origin    string
	Timestamp time.Time
}

// Decode unmarshals the request payload into v.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &Error{Kind: KindSerialization, Code: CodeSerializeFailed, Message: "decoding request payload", Err: err}
	}
	return nil
}

// Handler serves one message type. The returned value is marshalled into the
// response; a returned error becomes an error response on the peer's side.
// Handlers run on their own goroutines; ctx is cancelled at teardown.
type Handler func(ctx context.Context, req Request) (any, error)

type registeredHandler struct {
	fn             Handler
	requestSchema  Schema
	responseSchema Schema
}

// HandlerOption customizes a handler registration.
type HandlerOption func(*registeredHandler)

// WithRequestSchema validates inbound request payloads before the handler
// runs; violations become error responses without invoking the handler.
func WithRequestSchema(s Schema) HandlerOption {
	return func(h *registeredHandler) { h.requestSchema = s }
}

// WithResponseSchema validates the handler's return value before it is
// posted back.
func WithResponseSchema(s Schema) HandlerOption {
	return func(h *registeredHandler) { h.responseSchema = s }
}

type sendOptions struct {
	timeout time.Duration
	schema  Schema
}

// SendOption customizes a single Send call.
type SendOption func(*sendOptions)

// WithTimeout overrides the per-call timeout for one Send.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithSchema validates the outbound payload before posting.
func WithSchema(s Schema) SendOption {
	return func(o *sendOptions) { o.schema = s }
}

// handshakeState tracks one connect attempt. The nonce is ours; ackedPeer
// records peer nonces we have already acknowledged, so an ack carrying an
// already-acknowledged nonce does not trigger another reciprocal ack (no ack
// storms). Duplicate syns are acked every time.
type handshakeState struct {
	nonce     string
	ackedPeer map[string]bool
	timer     *time.Timer

	once sync.Once
	done chan struct{}
	err  error
}

func (h *handshakeState) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *handshakeState) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Engine owns the connection state machine: it drives the handshake, routes
// inbound frames to handlers, pending calls or internal reactors, and emits
// lifecycle events. One engine binds to exactly one peer.
type Engine struct {
	cfg     Config
	codec   codec
	gate    originGate
	logger  *slog.Logger
	events  *eventEmitter
	pending *pendingTable
	limiter *frameRateLimiter

	mu            sync.Mutex
	state         ConnectionState
	target        *TargetInfo
	unsubscribe   func()
	hb            *heartbeatMonitor
	hs            *handshakeState
	connCtx       context.Context
	connCancel    context.CancelFunc
	versionWarned bool

	hmu      sync.RWMutex
	handlers map[string]registeredHandler
}

// State returns a snapshot of the connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// On registers the handler for a message type; re-registering replaces the
// previous handler.
func (e *Engine) On(messageType string, fn Handler, opts ...HandlerOption) {
	h := registeredHandler{fn: fn}
	for _, opt := range opts {
		opt(&h)
	}
	e.hmu.Lock()
	e.handlers[messageType] = h
	e.hmu.Unlock()
}

// Off removes the handler for a message type.
func (e *Engine) Off(messageType string) {
	e.hmu.Lock()
	delete(e.handlers, messageType)
	e.hmu.Unlock()
}

// OnEvent subscribes a listener to a system event and returns a cancel
// function removing that one registration. Listeners run synchronously on
// engine goroutines and must not block.
func (e *Engine) OnEvent(name EventName, fn EventListener) func() {
	return e.events.on(name, fn)
}

// OffEvent removes every listener for the given event.
func (e *Engine) OffEvent(name EventName) {
	e.events.off(name)
}

// Connect binds the engine to a peer through the given transport and drives
// the handshake. It blocks until the peer confirms bidirectional
// reachability, the handshake times out, or ctx is cancelled. Calling
// Connect again with the same transport while connecting or connected is
// idempotent; a different transport is rejected.
func (e *Engine) Connect(ctx context.Context, t Transport) error {
	if t == nil {
		return newError(KindConfig, CodeInvalidConfig, "nil transport")
	}

	e.mu.Lock()
	switch e.state {
	case StateConnected:
		same := e.target != nil && e.target.Endpoint == t
		e.mu.Unlock()
		if same {
			return nil
		}
		return newError(KindConnection, CodeAlreadyConnected, "already connected to a different endpoint")
	case StateConnecting:
		if e.target != nil && e.target.Endpoint == t {
			hs := e.hs
			e.mu.Unlock()
			return e.awaitHandshake(ctx, hs)
		}
		e.mu.Unlock()
		return newError(KindConnection, CodeAlreadyConnected, "connect already in progress to a different endpoint")
	case StateDisconnecting:
		e.mu.Unlock()
		return newError(KindConnection, CodeDisconnected, "engine is disconnecting")
	}

	peerOrigin := t.Origin()
	if peerOrigin != "" && !e.gate.admit(peerOrigin) {
		e.mu.Unlock()
		return &Error{Kind: KindSecurity, Code: CodeOriginNotAllowed,
			Message: fmt.Sprintf("peer origin %q is not in the allowed set", peerOrigin)}
	}
	targetOrigin, err := e.gate.resolveTargetOrigin(peerOrigin)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	hs := &handshakeState{
		nonce:     uuid.NewString(),
		ackedPeer: make(map[string]bool),
		done:      make(chan struct{}),
	}
	e.hs = hs
	e.target = &TargetInfo{Endpoint: t, ExpectedOrigin: peerOrigin, TargetOrigin: targetOrigin, Kind: e.cfg.TargetType}
	e.connCtx, e.connCancel = context.WithCancel(context.Background())
	e.versionWarned = false
	old := e.state
	e.state = StateConnecting
	e.mu.Unlock()
	e.emitStateChange(old, StateConnecting)

	unsub, err := t.Subscribe(e.dispatchRaw)
	if err != nil {
		ferr := &Error{Kind: KindConnection, Code: CodeHandshakeFailed, Message: "subscribing to transport", Err: err}
		e.failHandshake(hs, ferr)
		return hs.err
	}

	e.mu.Lock()
	if e.hs != hs {
		// A concurrent teardown won the race; the subscription is stale.
		e.mu.Unlock()
		unsub()
		return e.awaitHandshake(ctx, hs)
	}
	e.unsubscribe = unsub
	hs.timer = time.AfterFunc(e.cfg.HandshakeTimeout, func() {
		e.failHandshake(hs, &Error{Kind: KindTimeout, Code: CodeHandshakeTimeout,
			Message: fmt.Sprintf("handshake timed out after %s", e.cfg.HandshakeTimeout)})
	})
	e.mu.Unlock()

	e.logger.Debug("starting handshake", "nonce", hs.nonce, "targetOrigin", targetOrigin)
	syn := e.codec.newHandshake(FrameHandshakeSyn, HandshakeBody{Nonce: hs.nonce})
	if err := e.post(syn); err != nil {
		e.failHandshake(hs, err)
	}
	return e.awaitHandshake(ctx, hs)
}

func (e *Engine) awaitHandshake(ctx context.Context, hs *handshakeState) error {
	select {
	case <-hs.done:
		return hs.err
	case <-ctx.Done():
		e.failHandshake(hs, &Error{Kind: KindConnection, Code: CodeHandshakeFailed, Message: "connect cancelled", Err: ctx.Err()})
		<-hs.done
		return hs.err
	}
}

// failHandshake tears down a connect attempt. Safe to call from timers and
// transport callbacks; only the first terminal transition wins.
func (e *Engine) failHandshake(hs *handshakeState, err error) {
	e.mu.Lock()
	if e.hs != hs || e.state != StateConnecting {
		e.mu.Unlock()
		hs.finish(err)
		return
	}
	hs.stopTimer()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.connCancel
	e.connCancel = nil
	old := e.state
	e.state = StateDisconnected
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.emitStateChange(old, StateDisconnected)
	e.events.emit(Event{Name: EventError, State: StateDisconnected, Err: err})
	hs.finish(err)
}

// completeHandshake transitions connecting → connected and starts the
// heartbeat monitor.
func (e *Engine) completeHandshake(hs *handshakeState) {
	e.mu.Lock()
	if e.hs != hs || e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	hs.stopTimer()
	old := e.state
	e.state = StateConnected
	if !e.cfg.Heartbeat.Disabled {
		e.hb = newHeartbeatMonitor(e.cfg.Heartbeat, e.logger, e.sendHeartbeatPing, e.heartbeatMissed, e.heartbeatLost)
		e.hb.start()
	}
	e.mu.Unlock()

	e.logger.Debug("handshake complete", "nonce", hs.nonce)
	e.events.emit(Event{Name: EventHandshake, State: StateConnected, Data: map[string]any{"nonce": hs.nonce}})
	e.emitStateChange(old, StateConnected)
	e.events.emit(Event{Name: EventConnected, State: StateConnected})
	hs.finish(nil)
}

// Send posts a request to the peer and blocks until the correlated response
// arrives, the per-call timeout fires, ctx is cancelled, or the connection
// goes away. The resolved value is the peer handler's return, still encoded.
func (e *Engine) Send(ctx context.Context, messageType string, payload any, opts ...SendOption) (json.RawMessage, error) {
	o := sendOptions{timeout: e.cfg.SendTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	st := e.state
	target := e.target
	e.mu.Unlock()
	if st != StateConnected {
		return nil, &Error{Kind: KindConnection, Code: CodeNotConnected,
			Message: fmt.Sprintf("cannot send in state %q", st)}
	}

	if !target.Endpoint.IsAlive() {
		err := &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "peer endpoint is gone"}
		e.targetLost(err)
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	schema := o.schema
	if schema == nil {
		e.hmu.RLock()
		if h, ok := e.handlers[messageType]; ok {
			schema = h.requestSchema
		}
		e.hmu.RUnlock()
	}
	if err := validateRaw(schema, raw); err != nil {
		return nil, err
	}

	frame := e.codec.newRequest(messageType, raw)
	ch := e.pending.register(frame.ID, messageType, o.timeout)
	if err := e.post(frame); err != nil {
		e.pending.fail(frame.ID, err)
		if IsKind(err, KindTargetNotFound) {
			e.targetLost(err)
		}
		return nil, err
	}
	e.events.emit(Event{Name: EventMessageSent, State: StateConnected, MessageType: messageType, Data: map[string]any{"id": frame.ID}})

	select {
	case res := <-ch:
		if res.err != nil {
			if IsKind(res.err, KindTimeout) {
				e.events.emit(Event{Name: EventTimeout, MessageType: messageType, Err: res.err})
			}
			return nil, res.err
		}
		return res.value, nil
	case <-ctx.Done():
		e.pending.fail(frame.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Fire posts a one-way request. The frame is never registered in the
// pending table, so whatever the peer responds settles nothing and is
// discarded.
func (e *Engine) Fire(messageType string, payload any) error {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != StateConnected {
		return &Error{Kind: KindConnection, Code: CodeNotConnected,
			Message: fmt.Sprintf("cannot fire in state %q", st)}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	e.hmu.RLock()
	h, ok := e.handlers[messageType]
	e.hmu.RUnlock()
	if ok {
		if err := validateRaw(h.requestSchema, raw); err != nil {
			return err
		}
	}

	frame := e.codec.newRequest(messageType, raw)
	if err := e.post(frame); err != nil {
		if IsKind(err, KindTargetNotFound) {
			e.targetLost(err)
		}
		return err
	}
	e.events.emit(Event{Name: EventMessageSent, State: st, MessageType: messageType, Data: map[string]any{"id": frame.ID, "fire": true}})
	return nil
}

// Disconnect closes the connection: it notifies the peer (best effort),
// stops the heartbeat monitor, settles every pending call, and releases the
// transport subscription. Idempotent and safe from any state.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	switch e.state {
	case StateIdle, StateDisconnected, StateDisconnecting:
		e.mu.Unlock()
		return nil
	case StateConnecting:
		hs := e.hs
		e.mu.Unlock()
		e.failHandshake(hs, &Error{Kind: KindConnection, Code: CodeDisconnected, Message: "disconnected during handshake"})
		return nil
	case StateLost:
		old := e.state
		e.state = StateDisconnected
		e.mu.Unlock()
		e.emitStateChange(old, StateDisconnected)
		return nil
	}

	old := e.state
	e.state = StateDisconnecting
	target := e.target
	hb := e.hb
	e.hb = nil
	e.mu.Unlock()
	e.emitStateChange(old, StateDisconnecting)

	// Best-effort peer notification; the peer may already be gone.
	df := e.codec.newDisconnect("local-disconnect")
	if data, err := e.codec.encode(df); err == nil {
		if err := target.Endpoint.Post(data, target.TargetOrigin); err != nil {
			e.logger.Debug("disconnect frame not delivered", "error", err)
		}
	}

	if hb != nil {
		hb.stop()
	}
	e.pending.cancelAll(&Error{Kind: KindConnection, Code: CodeDisconnected, Message: "local disconnect"})

	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.connCancel
	e.connCancel = nil
	e.state = StateDisconnected
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.emitStateChange(StateDisconnecting, StateDisconnected)
	e.events.emit(Event{Name: EventDisconnected, State: StateDisconnected, Data: map[string]any{"reason": "local"}})
	return nil
}

// dispatchRaw is the single inbound entry point, invoked serially by the
// transport's delivery goroutine.
func (e *Engine) dispatchRaw(raw RawMessage) {
	if !e.gate.admit(raw.Origin) {
		if e.cfg.StrictOrigin {
			e.events.emit(Event{Name: EventError, Err: &Error{
				Kind: KindSecurity, Code: CodeOriginNotAllowed,
				Message: fmt.Sprintf("dropped frame from disallowed origin %q", raw.Origin),
				Details: raw.Origin,
			}})
		} else {
			e.logger.Debug("dropping frame from disallowed origin", "origin", raw.Origin)
		}
		return
	}

	frame, rej := e.codec.classify(raw.Data)
	if rej != nil {
		switch {
		case rej.foreign:
			// Not ours; the endpoint is shared with other listeners.
		case rej.versionMismatch:
			e.warnVersionOnce(rej)
		default:
			e.logger.Debug("dropping malformed frame", "reason", rej.reason)
		}
		return
	}

	if !e.limiter.allow(frame.Kind) {
		return
	}

	switch frame.Kind {
	case FrameHandshakeSyn:
		e.handleSyn(frame)
	case FrameHandshakeAck:
		e.handleAck(frame)
	case FrameHeartbeatPing:
		e.handlePing(frame)
	case FrameHeartbeatPong:
		e.handlePong(frame)
	case FrameRequest:
		e.handleRequest(frame, raw.Origin)
	case FrameResponse:
		e.handleResponse(frame)
	case FrameDisconnect:
		e.handlePeerDisconnect(frame)
	}
}

// warnVersionOnce emits a single protocol-error event per connection for an
// incompatible peer version.
func (e *Engine) warnVersionOnce(rej *classifyReject) {
	e.mu.Lock()
	warned := e.versionWarned
	e.versionWarned = true
	e.mu.Unlock()
	if warned {
		return
	}
	e.events.emit(Event{Name: EventError, Err: &Error{
		Kind: KindConnection, Code: CodeVersionMismatch,
		Message: rej.reason,
		Details: rej.version,
	}})
}

// handleSyn acknowledges the peer's nonce. Duplicate syns during connecting
// or connected re-send acks, tolerating the race where both sides initiate.
func (e *Engine) handleSyn(frame Frame) {
	body, err := handshakeBody(frame)
	if err != nil {
		e.logger.Debug("dropping syn with bad body", "error", err)
		return
	}

	e.mu.Lock()
	hs := e.hs
	st := e.state
	if hs == nil || (st != StateConnecting && st != StateConnected) {
		e.mu.Unlock()
		return
	}
	hs.ackedPeer[body.Nonce] = true
	nonce := hs.nonce
	e.mu.Unlock()

	ack := e.codec.newHandshake(FrameHandshakeAck, HandshakeBody{Nonce: nonce, Echo: body.Nonce})
	if err := e.post(ack); err != nil {
		e.logger.Warn("posting handshake ack failed", "error", err)
	}
}

// handleAck completes the handshake when the echoed nonce is ours. An ack
// also carries the peer's own nonce; if we have not acknowledged that nonce
// yet (our syn may have been lost before the peer subscribed), reply with an
// ack for it so the peer can complete too.
func (e *Engine) handleAck(frame Frame) {
	body, err := handshakeBody(frame)
	if err != nil {
		e.logger.Debug("dropping ack with bad body", "error", err)
		return
	}

	e.mu.Lock()
	hs := e.hs
	if hs == nil {
		e.mu.Unlock()
		return
	}
	matched := body.Echo == hs.nonce && e.state == StateConnecting
	needAck := body.Nonce != "" && !hs.ackedPeer[body.Nonce]
	if needAck {
		hs.ackedPeer[body.Nonce] = true
	}
	nonce := hs.nonce
	e.mu.Unlock()

	if needAck {
		ack := e.codec.newHandshake(FrameHandshakeAck, HandshakeBody{Nonce: nonce, Echo: body.Nonce})
		if err := e.post(ack); err != nil {
			e.logger.Debug("posting reciprocal ack failed", "error", err)
		}
	}
	if matched {
		e.completeHandshake(hs)
	}
}

func (e *Engine) handlePing(frame Frame) {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != StateConnected && st != StateConnecting {
		return
	}
	pong := e.codec.newPong(frame.ID)
	if err := e.post(pong); err != nil {
		e.logger.Debug("posting pong failed", "error", err)
	}
}

func (e *Engine) handlePong(frame Frame) {
	e.mu.Lock()
	hb := e.hb
	st := e.state
	e.mu.Unlock()
	if st != StateConnected || hb == nil {
		return
	}
	hb.handlePong(frame.CorrelationID)
}

// handleRequest routes an inbound request to its registered handler. A
// missing handler is answered with an error response — never silently
// dropped, or the caller's pending call would hang until timeout.
func (e *Engine) handleRequest(frame Frame, origin string) {
	e.mu.Lock()
	st := e.state
	ctx := e.connCtx
	e.mu.Unlock()
	if st != StateConnected {
		e.logger.Debug("dropping request outside connected state", "state", string(st), "messageType", frame.MessageType)
		return
	}

	e.events.emit(Event{Name: EventMessageReceived, State: st, MessageType: frame.MessageType, Data: map[string]any{"id": frame.ID}})

	e.hmu.RLock()
	h, ok := e.handlers[frame.MessageType]
	e.hmu.RUnlock()
	if !ok {
		e.respondError(frame, CodeNoHandler, fmt.Sprintf("no handler registered for %q", frame.MessageType), nil)
		return
	}

	go e.serveRequest(ctx, h, frame, origin)
}

// serveRequest validates, invokes the handler, and posts the response.
// Handler errors and panics become error responses; the engine keeps serving
// other requests.
func (e *Engine) serveRequest(ctx context.Context, h registeredHandler, frame Frame, origin string) {
	if err := validateRaw(h.requestSchema, frame.Payload); err != nil {
		e.events.emit(Event{Name: EventError, MessageType: frame.MessageType, Err: err})
		e.respondError(frame, CodeSchemaViolation, "request payload failed schema validation", errorDetails(err))
		return
	}

	req := Request{
		Type:      frame.MessageType,
		Payload:   frame.Payload,
		Origin:    origin,
		Timestamp: time.UnixMilli(frame.Timestamp),
	}

	v, err := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h.fn(ctx, req)
	}()
	if err != nil {
		code := CodeHandlerError
		message := err.Error()
		var pe *Error
		if errors.As(err, &pe) && pe.Code != "" {
			code = pe.Code
			message = pe.Message
		}
		e.respondError(frame, code, message, nil)
		return
	}

	value, merr := json.Marshal(v)
	if merr != nil {
		e.respondError(frame, CodeSerializeFailed, "handler result is not serializable", nil)
		return
	}
	if err := validateRaw(h.responseSchema, value); err != nil {
		e.events.emit(Event{Name: EventError, MessageType: frame.MessageType, Err: err})
		e.respondError(frame, CodeSchemaViolation, "handler result failed schema validation", errorDetails(err))
		return
	}

	resp, err := e.codec.newResponse(frame.ID, frame.MessageType, ResponseBody{OK: true, Value: value})
	if err != nil {
		e.logger.Warn("building response frame failed", "error", err)
		return
	}
	if err := e.post(resp); err != nil {
		e.logger.Debug("posting response failed", "error", err)
		return
	}
	e.events.emit(Event{Name: EventResponseSent, MessageType: frame.MessageType, Data: map[string]any{"correlationId": frame.ID}})
}

// respondError posts an error response correlated to the given request.
func (e *Engine) respondError(frame Frame, code, message string, details json.RawMessage) {
	resp, err := e.codec.newResponse(frame.ID, frame.MessageType, ResponseBody{
		OK:    false,
		Error: &WireError{Code: code, Message: message, Details: details},
	})
	if err != nil {
		e.logger.Warn("building error response failed", "error", err)
		return
	}
	if err := e.post(resp); err != nil {
		e.logger.Debug("posting error response failed", "error", err)
		return
	}
	e.events.emit(Event{Name: EventResponseSent, MessageType: frame.MessageType, Data: map[string]any{"correlationId": frame.ID, "error": code}})
}

// handleResponse routes a response to the pending call table. Late or
// duplicate responses settle nothing and are ignored.
func (e *Engine) handleResponse(frame Frame) {
	body, err := responseBody(frame)
	if err != nil {
		e.logger.Debug("dropping response with bad body", "error", err)
		return
	}
	if e.pending.settle(frame.CorrelationID, body) {
		e.events.emit(Event{Name: EventResponseReceived, MessageType: frame.MessageType, Data: map[string]any{"correlationId": frame.CorrelationID, "ok": body.OK}})
	}
}

// handlePeerDisconnect processes the peer's explicit close.
func (e *Engine) handlePeerDisconnect(frame Frame) {
	var body DisconnectBody
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &body)
	}

	e.mu.Lock()
	st := e.state
	if st == StateConnecting {
		hs := e.hs
		e.mu.Unlock()
		e.failHandshake(hs, &Error{Kind: KindConnection, Code: CodeHandshakeFailed, Message: "peer disconnected during handshake"})
		return
	}
	if st != StateConnected {
		e.mu.Unlock()
		return
	}
	hb := e.hb
	e.hb = nil
	unsub := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.connCancel
	e.connCancel = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.pending.cancelAll(&Error{Kind: KindConnection, Code: CodeDisconnected, Message: "peer disconnected", Details: body.Reason})
	e.emitStateChange(st, StateDisconnected)
	e.events.emit(Event{Name: EventDisconnected, State: StateDisconnected, Data: map[string]any{"reason": "peer", "peerReason": body.Reason}})
}

// targetLost tears the connection down when the peer endpoint itself is
// gone (transport post failed or the liveness probe reported dead).
func (e *Engine) targetLost(cause error) {
	e.mu.Lock()
	st := e.state
	if st != StateConnected && st != StateConnecting {
		e.mu.Unlock()
		return
	}
	hs := e.hs
	hb := e.hb
	e.hb = nil
	unsub := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.connCancel
	e.connCancel = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	if st == StateConnecting && hs != nil {
		hs.stopTimer()
		hs.finish(cause)
	}
	e.pending.cancelAll(cause)
	e.emitStateChange(st, StateDisconnected)
	e.events.emit(Event{Name: EventError, State: StateDisconnected, Err: cause})
	e.events.emit(Event{Name: EventDisconnected, State: StateDisconnected, Data: map[string]any{"reason": "target-closed"}})
}

// sendHeartbeatPing posts one ping and returns its frame id for pong
// correlation.
func (e *Engine) sendHeartbeatPing() (string, error) {
	e.mu.Lock()
	st := e.state
	target := e.target
	e.mu.Unlock()
	if st != StateConnected || target == nil {
		return "", newError(KindConnection, CodeNotConnected, "not connected")
	}
	if !target.Endpoint.IsAlive() {
		err := &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "peer endpoint is gone"}
		e.targetLost(err)
		return "", err
	}
	ping := e.codec.newPing()
	if err := e.post(ping); err != nil {
		if IsKind(err, KindTargetNotFound) {
			e.targetLost(err)
		}
		return "", err
	}
	return ping.ID, nil
}

func (e *Engine) heartbeatMissed(misses int) {
	e.events.emit(Event{Name: EventHeartbeatMissed, State: e.State(), Data: map[string]any{"misses": misses}})
}

// heartbeatLost declares the connection lost after the miss threshold:
// connected → lost, connection-lost event, every in-flight call rejected.
func (e *Engine) heartbeatLost() {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	old := e.state
	e.state = StateLost
	hb := e.hb
	e.hb = nil
	unsub := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.connCancel
	e.connCancel = nil
	e.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.emitStateChange(old, StateLost)
	e.events.emit(Event{Name: EventConnectionLost, State: StateLost})
	e.pending.cancelAll(&Error{Kind: KindConnection, Code: CodeConnectionLost, Message: "heartbeat loss"})
}

// post encodes and delivers a frame to the bound peer.
func (e *Engine) post(f Frame) error {
	e.mu.Lock()
	target := e.target
	e.mu.Unlock()
	if target == nil {
		return newError(KindConnection, CodeNotConnected, "no peer endpoint bound")
	}
	data, err := e.codec.encode(f)
	if err != nil {
		return err
	}
	if err := target.Endpoint.Post(data, target.TargetOrigin); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "posting to peer endpoint", Err: err}
	}
	return nil
}

func (e *Engine) emitStateChange(from, to ConnectionState) {
	e.logger.Debug("connection state changed", "from", string(from), "to", string(to))
	e.events.emit(Event{Name: EventStateChanged, State: to, Data: map[string]any{"from": string(from), "to": string(to)}})
}

// marshalPayload serializes a user payload, passing raw JSON through
// untouched.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindSerialization, Code: CodeSerializeFailed, Message: "payload is not serializable", Err: err}
	}
	return raw, nil
}

// errorDetails extracts the validation detail string from a Parley error for
// the wire.
func errorDetails(err error) json.RawMessage {
	var pe *Error
	if !errors.As(err, &pe) || pe.Details == nil {
		return nil
	}
	raw, merr := json.Marshal(pe.Details)
	if merr != nil {
		return nil
	}
	return raw
}
