package session

import (
	"testing"
	"time"

	"github.com/cynclan/cyncd/internal/wire"
)

// fakeClock steps time manually for dedup tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func framedWith(endpoint byte, msgID uint16, data ...byte) *wire.Framed {
	f := &wire.Framed{MsgID: msgID, Data: data}
	f.Endpoint[0] = endpoint
	return f
}

func TestDedupSuppressesWithinTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(2*time.Second, 16)
	c.now = clock.now

	f := framedWith(0x01, 7, 0x01, 0x01, 0x64)

	if c.Seen(wire.KindStatus, f) {
		t.Fatal("first sighting must not be a hit")
	}
	clock.advance(500 * time.Millisecond)
	if !c.Seen(wire.KindStatus, f) {
		t.Fatal("retransmission within TTL must be suppressed")
	}
	if c.Hits() != 1 {
		t.Errorf("Hits = %d, want 1", c.Hits())
	}
}

func TestDedupHitRefreshesWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(2*time.Second, 16)
	c.now = clock.now

	f := framedWith(0x01, 7, 0xAA)
	c.Seen(wire.KindStatus, f)

	// Keep retransmitting every 1.5s: each hit refreshes the window, so
	// the entry never expires while the loop continues.
	for i := 0; i < 4; i++ {
		clock.advance(1500 * time.Millisecond)
		if !c.Seen(wire.KindStatus, f) {
			t.Fatalf("retransmission %d escaped suppression", i)
		}
	}
}

func TestDedupExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(2*time.Second, 16)
	c.now = clock.now

	f := framedWith(0x02, 9, 0x01)
	c.Seen(wire.KindStatus, f)

	clock.advance(2 * time.Second)
	if c.Seen(wire.KindStatus, f) {
		t.Fatal("entry past TTL must not be a hit")
	}
}

func TestDedupDistinguishesKeyFields(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(2*time.Second, 16)
	c.now = clock.now

	base := framedWith(0x01, 7, 0x01, 0x01)
	c.Seen(wire.KindStatus, base)

	variants := map[string]*wire.Framed{
		"different msgID":    framedWith(0x01, 8, 0x01, 0x01),
		"different endpoint": framedWith(0x02, 7, 0x01, 0x01),
		"different data":     framedWith(0x01, 7, 0x01, 0x00),
	}
	for name, f := range variants {
		if c.Seen(wire.KindStatus, f) {
			t.Errorf("%s must not collide with the base entry", name)
		}
	}
	if c.Seen(wire.KindCommand, base) {
		t.Error("different kind must not collide with the base entry")
	}
}

func TestDedupCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(time.Hour, 3)
	c.now = clock.now

	oldest := framedWith(0x01, 1, 0x01)
	c.Seen(wire.KindStatus, oldest)
	clock.advance(time.Millisecond)
	c.Seen(wire.KindStatus, framedWith(0x01, 2, 0x01))
	clock.advance(time.Millisecond)
	c.Seen(wire.KindStatus, framedWith(0x01, 3, 0x01))
	clock.advance(time.Millisecond)

	// Fourth insert evicts the oldest entry despite the long TTL.
	c.Seen(wire.KindStatus, framedWith(0x01, 4, 0x01))
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.Evictions() != 1 {
		t.Errorf("Evictions = %d, want 1", c.Evictions())
	}
	if c.Seen(wire.KindStatus, oldest) {
		t.Error("evicted entry must not be a hit")
	}
}

func TestDedupSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newDedupCache(2*time.Second, 16)
	c.now = clock.now

	c.Seen(wire.KindStatus, framedWith(0x01, 1, 0x01))
	clock.advance(1 * time.Second)
	c.Seen(wire.KindStatus, framedWith(0x01, 2, 0x01))
	clock.advance(1 * time.Second)

	c.Sweep()
	if c.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1 (only the younger entry)", c.Len())
	}
}

func TestDedupDefaults(t *testing.T) {
	t.Parallel()

	c := newDedupCache(0, 0)
	if c.ttl != DefaultDedupTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultDedupTTL)
	}
	if c.cap != DefaultDedupCapacity {
		t.Errorf("cap = %d, want %d", c.cap, DefaultDedupCapacity)
	}
}
