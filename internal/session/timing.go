package session

import (
	"math/rand"
	"time"
)

// -------------------------------------------------------------------------
// Derived Timeouts
// -------------------------------------------------------------------------

// DefaultAckP99 is the measured p99 ACK latency of stock firmware on an
// otherwise idle LAN. All session timeouts derive from this single number
// so a deployment with slower devices only has to tune one knob.
const DefaultAckP99 = 51 * time.Millisecond

// heartbeatFloor is the lower bound on the heartbeat timeout. Devices
// heartbeat on their own multi-second schedule regardless of ACK latency.
const heartbeatFloor = 10 * time.Second

// Cleanup interval clamp bounds.
const (
	cleanupMin = 10 * time.Second
	cleanupMax = 60 * time.Second
)

// Timings holds the session timeouts derived from the measured p99 ACK
// latency.
type Timings struct {
	// AckTimeout bounds a single SendReliable attempt.
	AckTimeout time.Duration

	// HandshakeTimeout bounds the Accepted -> Ready progression.
	HandshakeTimeout time.Duration

	// HeartbeatTimeout marks the session unhealthy when no packet of any
	// kind has arrived within it.
	HeartbeatTimeout time.Duration

	// CleanupInterval paces the health ticker and dedup eviction sweeps.
	CleanupInterval time.Duration
}

// DeriveTimings computes the session timeouts from a measured p99 ACK
// latency:
//
//	ack_timeout       = 2.5 × p99
//	handshake_timeout = 2.5 × ack_timeout
//	heartbeat_timeout = max(3 × ack_timeout, 10 s)
//	cleanup_interval  = clamp(ack_timeout / 3, 10 s, 60 s)
//
// A zero or negative p99 falls back to DefaultAckP99.
func DeriveTimings(p99 time.Duration) Timings {
	if p99 <= 0 {
		p99 = DefaultAckP99
	}

	ack := p99 * 5 / 2
	heartbeat := 3 * ack
	if heartbeat < heartbeatFloor {
		heartbeat = heartbeatFloor
	}
	cleanup := ack / 3
	if cleanup < cleanupMin {
		cleanup = cleanupMin
	}
	if cleanup > cleanupMax {
		cleanup = cleanupMax
	}

	return Timings{
		AckTimeout:       ack,
		HandshakeTimeout: ack * 5 / 2,
		HeartbeatTimeout: heartbeat,
		CleanupInterval:  cleanup,
	}
}

// -------------------------------------------------------------------------
// Retry Policy
// -------------------------------------------------------------------------

// Retry policy defaults.
const (
	DefaultMaxRetries    = 3
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMaxDelay = 5 * time.Second
	DefaultJitterPercent = 10
)

// RetryPolicy describes the backoff schedule for unacknowledged commands.
type RetryPolicy struct {
	// MaxRetries is the number of retransmissions after the initial send.
	MaxRetries int

	// Base is the first retry delay; each attempt doubles it.
	Base time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// JitterPercent widens each delay by up to ±JitterPercent/2 percent.
	JitterPercent int
}

// DefaultRetryPolicy returns the production retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    DefaultMaxRetries,
		Base:          DefaultRetryBase,
		MaxDelay:      DefaultRetryMaxDelay,
		JitterPercent: DefaultJitterPercent,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// base · 2^attempt + jitter, capped at MaxDelay.
//
// Uses math/rand/v2; jitter is not security-sensitive.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	if p.JitterPercent > 0 {
		span := int64(delay) * int64(p.JitterPercent) / 100
		if span > 0 {
			delay += time.Duration(rand.Int63n(span) - span/2) //nolint:gosec // G404: jitter does not require cryptographic randomness
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
