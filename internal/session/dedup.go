package session

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cynclan/cyncd/internal/wire"
)

// -------------------------------------------------------------------------
// Dedup Cache
// -------------------------------------------------------------------------

// Dedup defaults. Devices retransmit on a sub-second timer while a
// command is in flight, so a short TTL is enough to absorb repeats
// without suppressing genuine state changes.
const (
	DefaultDedupTTL      = 2 * time.Second
	DefaultDedupCapacity = 256
)

// dedupKey identifies a device transmission. Two packets with the same
// kind, endpoint, message ID, and inner-data fingerprint within the TTL
// window are the same transmission retried by the device.
type dedupKey struct {
	kind     wire.Kind
	endpoint [wire.EndpointSize]byte
	msgID    uint16
	fp       uint64
}

// dedupCache suppresses device-initiated retransmissions. It is owned by
// the session's reader goroutine and is not safe for concurrent use.
//
// The cache is capacity-bounded: when full, the oldest entry is evicted
// regardless of TTL, so a burst of distinct packets can never grow it
// without bound.
type dedupCache struct {
	entries map[dedupKey]time.Time
	ttl     time.Duration
	cap     int

	hits      uint64
	evictions uint64

	// now is swapped in tests to control time.
	now func() time.Time
}

// newDedupCache returns an empty cache with the given TTL and capacity.
// Non-positive values fall back to the defaults.
func newDedupCache(ttl time.Duration, capacity int) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedupCache{
		entries: make(map[dedupKey]time.Time, capacity),
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
	}
}

// keyFor derives the dedup key for a decoded framed packet.
func keyFor(kind wire.Kind, f *wire.Framed) dedupKey {
	return dedupKey{
		kind:     kind,
		endpoint: f.Endpoint,
		msgID:    f.MsgID,
		fp:       xxhash.Sum64(f.Data),
	}
}

// Seen records the packet and reports whether an identical transmission
// was already seen within the TTL window. A hit refreshes the entry's
// timestamp so a device stuck in a retransmit loop stays suppressed.
func (c *dedupCache) Seen(kind wire.Kind, f *wire.Framed) bool {
	now := c.now()
	key := keyFor(kind, f)

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		c.hits++
		c.entries[key] = now
		return true
	}

	if len(c.entries) >= c.cap {
		c.evictOldest()
	}
	c.entries[key] = now
	return false
}

// Sweep removes entries older than the TTL. Called from the session's
// health ticker on the cleanup interval.
func (c *dedupCache) Sweep() {
	now := c.now()
	for key, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
			c.evictions++
		}
	}
}

// evictOldest removes the single oldest entry to make room.
func (c *dedupCache) evictOldest() {
	var (
		oldestKey dedupKey
		oldestAt  time.Time
		found     bool
	)
	for key, at := range c.entries {
		if !found || at.Before(oldestAt) {
			oldestKey, oldestAt, found = key, at, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Len returns the current entry count.
func (c *dedupCache) Len() int { return len(c.entries) }

// Hits returns the number of suppressed retransmissions.
func (c *dedupCache) Hits() uint64 { return c.hits }

// Evictions returns the number of entries removed by TTL or capacity.
func (c *dedupCache) Evictions() uint64 { return c.evictions }
