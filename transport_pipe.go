package parley

import (
	"fmt"
	"sync"
)

const pipeBufferSize = 256

// PipeTransport joins two endpoints inside one process, the embedded-child
// arrangement: the peer handle is held directly and cannot silently change
// hands. Frames are copied on post so neither side can mutate the other's
// view.
type PipeTransport struct {
	origin     string // origin this endpoint presents to its peer
	peerOrigin string

	mu     sync.Mutex
	peer   *PipeTransport
	sub    func(RawMessage)
	closed bool

	ch   chan RawMessage
	done chan struct{}
}

// NewPipePair creates two connected pipe transports. originA is the origin
// the first endpoint presents; originB the second. Each side sees the other
// side's origin on inbound messages.
func NewPipePair(originA, originB string) (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{
		origin:     originA,
		peerOrigin: originB,
		ch:         make(chan RawMessage, pipeBufferSize),
		done:       make(chan struct{}),
	}
	b := &PipeTransport{
		origin:     originB,
		peerOrigin: originA,
		ch:         make(chan RawMessage, pipeBufferSize),
		done:       make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

// pump delivers queued messages to the subscriber in FIFO order. Messages
// arriving while nobody is subscribed are dropped, matching the
// fire-and-forget primitive underneath.
func (p *PipeTransport) pump() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.ch:
			p.mu.Lock()
			sub := p.sub
			p.mu.Unlock()
			if sub != nil {
				sub(msg)
			}
		}
	}
}

// Post enqueues a frame to the peer endpoint.
func (p *PipeTransport) Post(data []byte, targetOrigin string) error {
	p.mu.Lock()
	peer := p.peer
	closed := p.closed
	p.mu.Unlock()
	if closed || peer == nil || peer.isClosed() {
		return &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "pipe peer is closed"}
	}
	if targetOrigin != "*" {
		norm, err := NormalizeOrigin(targetOrigin)
		if err != nil || !sameOrigin(norm, peer.origin) {
			return &Error{Kind: KindSecurity, Code: CodeOriginNotAllowed,
				Message: fmt.Sprintf("peer origin %q does not match target %q", peer.origin, targetOrigin)}
		}
	}

	// Copy: frames cross the boundary by value.
	msg := RawMessage{Data: append([]byte(nil), data...), Origin: p.origin}
	select {
	case peer.ch <- msg:
		return nil
	default:
		return newError(KindConnection, CodeSendBufferFull, "pipe buffer full, dropping frame")
	}
}

// Subscribe installs the inbound listener.
func (p *PipeTransport) Subscribe(fn func(RawMessage)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &Error{Kind: KindTargetNotFound, Code: CodeTargetClosed, Message: "pipe is closed"}
	}
	p.sub = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sub = nil
	}, nil
}

// IsAlive reports whether both ends of the pipe are open.
func (p *PipeTransport) IsAlive() bool {
	p.mu.Lock()
	peer := p.peer
	closed := p.closed
	p.mu.Unlock()
	return !closed && peer != nil && !peer.isClosed()
}

// Origin returns the peer endpoint's origin.
func (p *PipeTransport) Origin() string {
	return p.peerOrigin
}

// Close shuts this end of the pipe. The peer's IsAlive turns false and its
// posts start failing.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.sub = nil
	close(p.done)
	return nil
}

func (p *PipeTransport) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func sameOrigin(a, b string) bool {
	na, err := NormalizeOrigin(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeOrigin(b)
	if err != nil {
		return false
	}
	return na == nb
}
