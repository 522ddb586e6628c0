package parley

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolTag discriminates Parley frames from foreign messages sharing
	// the same endpoint.
	ProtocolTag = "parley"

	// ProtocolVersion is the wire protocol version this build speaks.
	ProtocolVersion = 1

	// DefaultMaxPayloadSize caps the encoded payload of a single frame.
	DefaultMaxPayloadSize = 256 * 1024
)

// FrameKind identifies the role of a frame within the protocol.
type FrameKind string

const (
	FrameRequest       FrameKind = "request"
	FrameResponse      FrameKind = "response"
	FrameHandshakeSyn  FrameKind = "handshake-syn"
	FrameHandshakeAck  FrameKind = "handshake-ack"
	FrameHeartbeatPing FrameKind = "heartbeat-ping"
	FrameHeartbeatPong FrameKind = "heartbeat-pong"
	FrameDisconnect    FrameKind = "disconnect"
)

// Frame is the single wire unit exchanged between peers.
type Frame struct {
	Protocol      string          `json:"protocol"`
	Version       int             `json:"version"`
	ID            string          `json:"id"`
	Kind          FrameKind       `json:"kind"`
	MessageType   string          `json:"messageType,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// ResponseBody is the payload shape of every response frame.
type ResponseBody struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError is the error object carried inside a failed response.
type WireError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// HandshakeBody is the payload of handshake-syn and handshake-ack frames.
// Syn carries only Nonce. Ack echoes the syn's nonce in Echo and carries the
// responder's own nonce in Nonce, so each side can confirm bidirectional
// reachability by seeing its own nonce echoed back.
type HandshakeBody struct {
	Nonce string `json:"nonce"`
	Echo  string `json:"echo,omitempty"`
}

// DisconnectBody is the payload of a disconnect frame.
type DisconnectBody struct {
	Reason string `json:"reason,omitempty"`
}

// codec shapes, stamps and recognizes protocol frames. It is stateless; the
// payload size cap is its only configuration.
type codec struct {
	maxPayload int
}

func newCodec(maxPayload int) codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return codec{maxPayload: maxPayload}
}

// stamp returns a new frame with the protocol tag, version, a fresh id and
// the producer's clock filled in.
func (c codec) stamp(kind FrameKind) Frame {
	return Frame{
		Protocol:  ProtocolTag,
		Version:   ProtocolVersion,
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (c codec) newRequest(messageType string, payload json.RawMessage) Frame {
	f := c.stamp(FrameRequest)
	f.MessageType = messageType
	f.Payload = payload
	return f
}

func (c codec) newResponse(correlationID, messageType string, body ResponseBody) (Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("marshalling response body: %w", err)
	}
	f := c.stamp(FrameResponse)
	f.MessageType = messageType
	f.CorrelationID = correlationID
	f.Payload = payload
	return f, nil
}

func (c codec) newHandshake(kind FrameKind, body HandshakeBody) Frame {
	f := c.stamp(kind)
	f.Payload, _ = json.Marshal(body)
	return f
}

func (c codec) newPing() Frame {
	return c.stamp(FrameHeartbeatPing)
}

func (c codec) newPong(correlationID string) Frame {
	f := c.stamp(FrameHeartbeatPong)
	f.CorrelationID = correlationID
	return f
}

func (c codec) newDisconnect(reason string) Frame {
	f := c.stamp(FrameDisconnect)
	f.Payload, _ = json.Marshal(DisconnectBody{Reason: reason})
	return f
}

// encode serializes a frame for the transport.
func (c codec) encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, &Error{Kind: KindSerialization, Code: CodeSerializeFailed, Message: "encoding frame", Err: err}
	}
	return data, nil
}

// classifyReject explains why an inbound message was not accepted as a frame.
type classifyReject struct {
	// foreign is set when the message does not claim to be Parley at all.
	// Foreign messages are ignored without any diagnostic: the endpoint is
	// shared with the rest of the process.
	foreign bool
	// versionMismatch is set when the frame is Parley but speaks an
	// incompatible protocol version.
	versionMismatch bool
	version         int
	reason          string
}

func (r *classifyReject) Error() string { return r.reason }

// classify validates a raw inbound message and returns the decoded frame.
// Structural failures return a reject describing the reason; they are never
// surfaced to the user as errors.
func (c codec) classify(raw []byte) (Frame, *classifyReject) {
	var probe struct {
		Protocol string `json:"protocol"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Protocol == "" {
		return Frame{}, &classifyReject{foreign: true, reason: "not a protocol frame"}
	}
	if probe.Protocol != ProtocolTag {
		return Frame{}, &classifyReject{foreign: true, reason: "foreign protocol tag"}
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &classifyReject{reason: fmt.Sprintf("malformed frame: %v", err)}
	}
	if f.Version != ProtocolVersion {
		return Frame{}, &classifyReject{
			versionMismatch: true,
			version:         f.Version,
			reason:          fmt.Sprintf("protocol version %d, want %d", f.Version, ProtocolVersion),
		}
	}
	if f.ID == "" {
		return Frame{}, &classifyReject{reason: "missing frame id"}
	}
	if len(f.Payload) > c.maxPayload {
		return Frame{}, &classifyReject{reason: fmt.Sprintf("payload too large (%d bytes, max %d)", len(f.Payload), c.maxPayload)}
	}

	switch f.Kind {
	case FrameRequest:
		if f.MessageType == "" {
			return Frame{}, &classifyReject{reason: "request missing messageType"}
		}
	case FrameResponse:
		if f.CorrelationID == "" {
			return Frame{}, &classifyReject{reason: "response missing correlationId"}
		}
		var body struct {
			OK *bool `json:"ok"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.OK == nil {
			return Frame{}, &classifyReject{reason: "response payload missing ok field"}
		}
	case FrameHandshakeSyn, FrameHandshakeAck:
		var body HandshakeBody
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.Nonce == "" {
			return Frame{}, &classifyReject{reason: string(f.Kind) + " missing nonce"}
		}
	case FrameHeartbeatPong:
		if f.CorrelationID == "" {
			return Frame{}, &classifyReject{reason: "pong missing correlationId"}
		}
	case FrameHeartbeatPing, FrameDisconnect:
		// No required fields beyond the envelope.
	default:
		return Frame{}, &classifyReject{reason: fmt.Sprintf("unknown frame kind %q", f.Kind)}
	}

	return f, nil
}

// handshakeBody decodes the handshake payload of a classified frame.
func handshakeBody(f Frame) (HandshakeBody, error) {
	var body HandshakeBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return HandshakeBody{}, fmt.Errorf("unmarshalling handshake body: %w", err)
	}
	return body, nil
}

// responseBody decodes the response payload of a classified frame.
func responseBody(f Frame) (ResponseBody, error) {
	var body ResponseBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return ResponseBody{}, fmt.Errorf("unmarshalling response body: %w", err)
	}
	return body, nil
}
