package parley

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStampFillsEnvelope(t *testing.T) {
	c := newCodec(0)

	f := c.stamp(FrameRequest)
	if f.Protocol != ProtocolTag {
		t.Errorf("Protocol: got %q, want %q", f.Protocol, ProtocolTag)
	}
	if f.Version != ProtocolVersion {
		t.Errorf("Version: got %d, want %d", f.Version, ProtocolVersion)
	}
	if f.ID == "" {
		t.Error("ID is empty")
	}
	if f.Timestamp == 0 {
		t.Error("Timestamp is zero")
	}
}

func TestStampUniqueIDs(t *testing.T) {
	c := newCodec(0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		f := c.stamp(FrameRequest)
		if seen[f.ID] {
			t.Fatal("generated duplicate frame id")
		}
		seen[f.ID] = true
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	c := newCodec(0)
	orig := c.newRequest("getData", json.RawMessage(`{"n":1}`))
	data, err := c.encode(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	f, rej := c.classify(data)
	if rej != nil {
		t.Fatalf("classify rejected a frame we produced: %v", rej)
	}
	if f.Kind != FrameRequest || f.MessageType != "getData" || f.ID != orig.ID {
		t.Errorf("classified frame mismatch: %+v", f)
	}
}

func TestClassifyRejections(t *testing.T) {
	c := newCodec(1024)

	tests := []struct {
		name        string
		raw         string
		wantForeign bool
		wantVersion bool
	}{
		{name: "not json", raw: `hi there`, wantForeign: true},
		{name: "no protocol tag", raw: `{"some":"message"}`, wantForeign: true},
		{name: "foreign protocol", raw: `{"protocol":"other","version":1,"id":"x","kind":"request"}`, wantForeign: true},
		{name: "version mismatch", raw: `{"protocol":"parley","version":99,"id":"x","kind":"request","messageType":"a"}`, wantVersion: true},
		{name: "missing id", raw: `{"protocol":"parley","version":1,"kind":"request","messageType":"a"}`},
		{name: "unknown kind", raw: `{"protocol":"parley","version":1,"id":"x","kind":"mystery"}`},
		{name: "request without messageType", raw: `{"protocol":"parley","version":1,"id":"x","kind":"request"}`},
		{name: "response without correlationId", raw: `{"protocol":"parley","version":1,"id":"x","kind":"response","payload":{"ok":true}}`},
		{name: "response without ok", raw: `{"protocol":"parley","version":1,"id":"x","kind":"response","correlationId":"y","payload":{}}`},
		{name: "syn without nonce", raw: `{"protocol":"parley","version":1,"id":"x","kind":"handshake-syn","payload":{}}`},
		{name: "pong without correlationId", raw: `{"protocol":"parley","version":1,"id":"x","kind":"heartbeat-pong"}`},
		{name: "oversized payload", raw: `{"protocol":"parley","version":1,"id":"x","kind":"request","messageType":"a","payload":"` + strings.Repeat("x", 2048) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rej := c.classify([]byte(tt.raw))
			if rej == nil {
				t.Fatal("expected rejection, frame accepted")
			}
			if rej.foreign != tt.wantForeign {
				t.Errorf("foreign: got %v, want %v", rej.foreign, tt.wantForeign)
			}
			if rej.versionMismatch != tt.wantVersion {
				t.Errorf("versionMismatch: got %v, want %v", rej.versionMismatch, tt.wantVersion)
			}
		})
	}
}

func TestClassifyAcceptsAllKinds(t *testing.T) {
	c := newCodec(0)

	resp, err := c.newResponse("corr-1", "getData", ResponseBody{OK: true, Value: json.RawMessage(`42`)})
	if err != nil {
		t.Fatalf("newResponse failed: %v", err)
	}

	frames := []Frame{
		c.newRequest("getData", nil),
		resp,
		c.newHandshake(FrameHandshakeSyn, HandshakeBody{Nonce: "n1"}),
		c.newHandshake(FrameHandshakeAck, HandshakeBody{Nonce: "n2", Echo: "n1"}),
		c.newPing(),
		c.newPong("ping-id"),
		c.newDisconnect("bye"),
	}
	for _, f := range frames {
		data, err := c.encode(f)
		if err != nil {
			t.Fatalf("encode %s failed: %v", f.Kind, err)
		}
		if _, rej := c.classify(data); rej != nil {
			t.Errorf("classify rejected %s frame: %v", f.Kind, rej)
		}
	}
}

func TestResponseBodyError(t *testing.T) {
	c := newCodec(0)
	f, err := c.newResponse("corr", "op", ResponseBody{
		OK:    false,
		Error: &WireError{Code: CodeNoHandler, Message: "nobody home"},
	})
	if err != nil {
		t.Fatalf("newResponse failed: %v", err)
	}

	body, err := responseBody(f)
	if err != nil {
		t.Fatalf("responseBody failed: %v", err)
	}
	if body.OK {
		t.Error("OK: got true, want false")
	}
	if body.Error == nil || body.Error.Code != CodeNoHandler {
		t.Errorf("Error: got %+v, want code %s", body.Error, CodeNoHandler)
	}
}
