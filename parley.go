// Package parley implements a typed, reliable, request/response messaging
// channel between two cooperating endpoints on top of a fire-and-forget
// message primitive. It provides a handshake that turns the two endpoints
// into peers, correlated request/response calls with timeouts, optional
// schema-validated payloads, origin enforcement, heartbeat liveness
// monitoring, and a connection state machine surfacing lifecycle events.
//
// An Engine binds to exactly one peer through a Transport. Two transports
// ship with the package: PipeTransport joins two endpoints inside one
// process, and WSTransport joins endpoints across a WebSocket.
package parley

// New creates an engine from the given configuration. The engine starts in
// the idle state; call Connect with a transport to reach a peer.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	gate, err := newOriginGate(cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		codec:    newCodec(cfg.MaxPayloadSize),
		gate:     gate,
		logger:   cfg.Logger,
		events:   newEventEmitter(cfg.Logger, cfg.Analytics),
		pending:  newPendingTable(),
		limiter:  newFrameRateLimiter(cfg.RateLimits, cfg.Logger),
		state:    StateIdle,
		handlers: make(map[string]registeredHandler),
	}, nil
}
