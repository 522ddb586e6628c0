package parley

import (
	"log/slog"
	"sync"
	"time"
)

// frameRateLimiter provides per-frame-kind rate limiting for inbound
// traffic. This keeps a malfunctioning or hostile peer from overwhelming the
// dispatch loop with excessive frames. Each kind has its own token bucket;
// when a bucket is exhausted the frame is dropped before dispatch.
type frameRateLimiter struct {
	logger  *slog.Logger
	mu      sync.Mutex
	buckets map[FrameKind]*tokenBucket
	limits  map[FrameKind]FrameLimit
}

// FrameLimit defines the rate limit parameters for one frame kind.
type FrameLimit struct {
	// MaxBurst is the maximum number of frames allowed in a burst.
	MaxBurst int
	// RefillInterval is how often one token is added back to the bucket.
	RefillInterval time.Duration
}

type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// defaultFrameLimits returns limits calibrated to allow normal operation
// while blocking floods:
//
//   - request/response — generous, these carry the user's traffic
//   - heartbeat ping/pong — a handful per interval is plenty
//   - handshake syn/ack — a connection attempt needs only a few
//   - disconnect — one is enough, a few tolerated
func defaultFrameLimits() map[FrameKind]FrameLimit {
	return map[FrameKind]FrameLimit{
		FrameRequest:       {MaxBurst: 512, RefillInterval: 2 * time.Millisecond},
		FrameResponse:      {MaxBurst: 512, RefillInterval: 2 * time.Millisecond},
		FrameHeartbeatPing: {MaxBurst: 16, RefillInterval: 250 * time.Millisecond},
		FrameHeartbeatPong: {MaxBurst: 16, RefillInterval: 250 * time.Millisecond},
		FrameHandshakeSyn:  {MaxBurst: 8, RefillInterval: time.Second},
		FrameHandshakeAck:  {MaxBurst: 8, RefillInterval: time.Second},
		FrameDisconnect:    {MaxBurst: 4, RefillInterval: time.Second},
	}
}

func newFrameRateLimiter(limits map[FrameKind]FrameLimit, logger *slog.Logger) *frameRateLimiter {
	buckets := make(map[FrameKind]*tokenBucket, len(limits))
	for kind, limit := range limits {
		buckets[kind] = &tokenBucket{
			tokens:     limit.MaxBurst,
			maxTokens:  limit.MaxBurst,
			refillRate: limit.RefillInterval,
			lastRefill: time.Now(),
		}
	}
	return &frameRateLimiter{
		logger:  logger,
		limits:  limits,
		buckets: buckets,
	}
}

// allow checks whether a frame of the given kind is within the rate limit.
// Returns true if the frame should be dispatched, false if it should be
// dropped.
func (r *frameRateLimiter) allow(kind FrameKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, exists := r.buckets[kind]
	if !exists {
		// Unknown kinds get a conservative default.
		bucket = &tokenBucket{
			tokens:     8,
			maxTokens:  8,
			refillRate: time.Second,
			lastRefill: time.Now(),
		}
		r.buckets[kind] = bucket
	}

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= bucket.refillRate && bucket.tokens < bucket.maxTokens {
		bucket.tokens += int(elapsed / bucket.refillRate)
		if bucket.tokens > bucket.maxTokens {
			bucket.tokens = bucket.maxTokens
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	r.logger.Warn("inbound rate limit exceeded, dropping frame", "kind", string(kind))
	return false
}
