package parley

import (
	"log/slog"
	"time"
)

// TargetType identifies how the peer endpoint is hosted.
type TargetType string

const (
	// TargetPipe is an in-process peer joined by a PipeTransport, the
	// embedded-child arrangement.
	TargetPipe TargetType = "pipe"
	// TargetSocket is a remote peer joined by a WSTransport.
	TargetSocket TargetType = "socket"
)

// Default engine timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSendTimeout      = 30 * time.Second
)

// Config configures an Engine. AllowedOrigins is required; everything else
// has working defaults.
type Config struct {
	// TargetType declares the expected peer hosting. Purely descriptive for
	// events and logs; the transport value passed to Connect is what binds
	// the peer.
	TargetType TargetType

	// AllowedOrigins lists the origins trusted for inbound frames, or the
	// single element "any" to admit every origin.
	AllowedOrigins []string

	// LocalOrigin is this endpoint's own origin. Required when
	// SameOriginOnly is set; otherwise informational.
	LocalOrigin string

	// SameOriginOnly makes outbound frames target LocalOrigin when the
	// transport does not name its peer origin. A peer origin the transport
	// does name still takes precedence.
	SameOriginOnly bool

	// AllowWildcardTarget permits posting to "*" when the transport cannot
	// name its peer origin. Leave off unless the payloads are safe to leak
	// to an unexpected peer.
	AllowWildcardTarget bool

	// StrictOrigin surfaces origin-rejected inbound frames as error events.
	// When off, rejected frames are dropped with only a debug log.
	StrictOrigin bool

	// Heartbeat configures the liveness monitor.
	Heartbeat HeartbeatConfig

	// HandshakeTimeout bounds the connect handshake.
	HandshakeTimeout time.Duration

	// SendTimeout is the default per-call timeout for Send, overridable per
	// call with WithTimeout.
	SendTimeout time.Duration

	// MaxPayloadSize caps inbound frame payloads. Defaults to
	// DefaultMaxPayloadSize.
	MaxPayloadSize int

	// RateLimits overrides the per-frame-kind inbound rate limits.
	RateLimits map[FrameKind]FrameLimit

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Analytics, when set, receives every emitted event.
	Analytics EventSink
}

func (c Config) withDefaults() Config {
	if c.TargetType == "" {
		c.TargetType = TargetSocket
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.RateLimits == nil {
		c.RateLimits = defaultFrameLimits()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Heartbeat = c.Heartbeat.withDefaults()
	return c
}

// validate checks the configuration at construction time.
func (c Config) validate() error {
	if len(c.AllowedOrigins) == 0 {
		return newError(KindConfig, CodeInvalidConfig, "AllowedOrigins is required; use [\"any\"] to admit every origin")
	}
	for _, o := range c.AllowedOrigins {
		if o == OriginAny && len(c.AllowedOrigins) > 1 {
			return newError(KindConfig, CodeInvalidConfig, "\"any\" must be the only allowed origin when present")
		}
		if o == "" {
			return newError(KindConfig, CodeInvalidConfig, "empty allowed origin")
		}
	}
	switch c.TargetType {
	case "", TargetPipe, TargetSocket:
	default:
		return newError(KindConfig, CodeInvalidConfig, "unknown target type "+string(c.TargetType))
	}
	if c.SameOriginOnly && c.LocalOrigin == "" {
		return newError(KindConfig, CodeInvalidConfig, "SameOriginOnly requires LocalOrigin")
	}
	if !c.Heartbeat.Disabled {
		hb := c.Heartbeat.withDefaults()
		if hb.Timeout >= hb.Interval {
			return newError(KindConfig, CodeInvalidConfig, "heartbeat timeout must be shorter than the interval")
		}
	}
	return nil
}
