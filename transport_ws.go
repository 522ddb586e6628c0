package parley

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeWait  = 15 * time.Second
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSendBufferSize = 256
)

// WSTransport adapts one WebSocket connection to the Transport contract,
// the detachable-peer arrangement: the endpoint is acquired by dialing out
// or accepting an upgrade, and it can vanish underneath us. Frame-level
// heartbeats ride on top; the WebSocket ping/pong here only keeps the TCP
// path warm.
type WSTransport struct {
	conn       *websocket.Conn
	peerOrigin string
	logger     *slog.Logger

	mu     sync.Mutex
	sub    func(RawMessage)
	closed bool

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// WSOption customizes WebSocket transport construction.
type WSOption func(*wsOptions)

type wsOptions struct {
	logger         *slog.Logger
	maxMessageSize int64
}

// WithWSLogger sets the transport's diagnostic logger.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(o *wsOptions) { o.logger = logger }
}

// WithWSMaxMessageSize caps inbound WebSocket messages.
func WithWSMaxMessageSize(n int64) WSOption {
	return func(o *wsOptions) { o.maxMessageSize = n }
}

// DialPeer opens a WebSocket to the peer at rawURL, the analogue of opening
// a separate window: we know exactly which origin we reached.
func DialPeer(ctx context.Context, rawURL string, opts ...WSOption) (*WSTransport, error) {
	o := applyWSOptions(opts)

	origin, err := originFromURL(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: "invalid peer URL", Err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "dialing peer", Err: err}
	}
	return newWSTransport(conn, origin, o), nil
}

// AcceptPeer upgrades an inbound HTTP request to a WebSocket transport. The
// peer origin is taken from the Origin header when present, falling back to
// the opaque origin.
func AcceptPeer(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, opts ...WSOption) (*WSTransport, error) {
	o := applyWSOptions(opts)

	origin := "null"
	if h := r.Header.Get("Origin"); h != "" {
		norm, err := NormalizeOrigin(h)
		if err != nil {
			return nil, &Error{Kind: KindSecurity, Code: CodeOriginNotAllowed, Message: "invalid Origin header", Err: err}
		}
		origin = norm
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "upgrading connection", Err: err}
	}
	return newWSTransport(conn, origin, o), nil
}

func applyWSOptions(opts []WSOption) wsOptions {
	o := wsOptions{
		logger:         slog.Default(),
		maxMessageSize: DefaultMaxPayloadSize + 4096,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newWSTransport(conn *websocket.Conn, peerOrigin string, o wsOptions) *WSTransport {
	t := &WSTransport{
		conn:       conn,
		peerOrigin: peerOrigin,
		logger:     o.logger,
		sendCh:     make(chan []byte, wsSendBufferSize),
		done:       make(chan struct{}),
	}

	conn.SetReadLimit(o.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.writePump()
	go t.readPump()
	return t
}

// readPump reads messages until the connection fails, handing each to the
// subscriber. Messages arriving with no subscriber installed are dropped.
func (t *WSTransport) readPump() {
	defer t.shutdown()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("websocket read ended", "error", err)
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		t.mu.Lock()
		sub := t.sub
		t.mu.Unlock()
		if sub != nil {
			sub(RawMessage{Data: data, Origin: t.peerOrigin})
		}
	}
}

// writePump serializes all writes: queued frames plus periodic transport
// pings. Closing the socket on exit unblocks the read pump.
func (t *WSTransport) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-t.sendCh:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debug("websocket write failed", "error", err)
				t.shutdown()
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("websocket ping failed", "error", err)
				t.shutdown()
				return
			}
		}
	}
}

// Post enqueues a frame for delivery to the peer.
func (t *WSTransport) Post(data []byte, targetOrigin string) error {
	if targetOrigin != "*" && !sameOrigin(targetOrigin, t.peerOrigin) {
		return &Error{Kind: KindSecurity, Code: CodeOriginNotAllowed,
			Message: fmt.Sprintf("peer origin %q does not match target %q", t.peerOrigin, targetOrigin)}
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "websocket peer is gone"}
	}

	select {
	case t.sendCh <- data:
		return nil
	default:
		return newError(KindConnection, CodeSendBufferFull, "websocket send buffer full, dropping frame")
	}
}

// Subscribe installs the inbound listener.
func (t *WSTransport) Subscribe(fn func(RawMessage)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "websocket is closed"}
	}
	t.sub = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.sub = nil
	}, nil
}

// IsAlive reports whether the connection is still up.
func (t *WSTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Origin returns the peer's normalized origin.
func (t *WSTransport) Origin() string {
	return t.peerOrigin
}

// Close tears the connection down.
func (t *WSTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *WSTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.sub = nil
		t.mu.Unlock()
		close(t.done)
	})
}

// originFromURL derives the peer origin from a WebSocket URL.
func originFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return NormalizeOrigin(scheme + "://" + u.Host)
}
