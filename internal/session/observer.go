package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Packet Observer Seam
// -------------------------------------------------------------------------

// Direction tells an observer which way a packet travelled.
type Direction uint8

const (
	// DirInbound is device -> bridge.
	DirInbound Direction = iota

	// DirOutbound is bridge -> device.
	DirOutbound
)

// String returns the human-readable name for the direction.
func (d Direction) String() string {
	if d == DirInbound {
		return "inbound"
	}
	return "outbound"
}

// PacketObserver receives a copy of every raw frame crossing a session,
// plus connection lifecycle events. It exists for out-of-process
// validators that compare bridge behavior against captured cloud traffic.
//
// Calls are synchronous from the session reader's point of view, so an
// observer must not block: an implementation that exceeds the slow-call
// threshold is logged and permanently skipped.
type PacketObserver interface {
	OnPacketReceived(dir Direction, frame []byte, connID string)
	OnConnectionEstablished(connID string, peerAddr string)
	OnConnectionClosed(connID string, peerAddr string)
}

// slowObserverThreshold is the per-call budget before an observer is
// considered blocking and disabled.
const slowObserverThreshold = 10 * time.Millisecond

// observerEntry wraps a registered observer with its disable flag.
type observerEntry struct {
	obs      PacketObserver
	disabled atomic.Bool
}

// ObserverSet fans session events out to registered observers.
// Registration is expected at startup; the fan-out path only takes a
// read lock.
type ObserverSet struct {
	mu      sync.RWMutex
	entries []*observerEntry
	logger  *slog.Logger
}

// NewObserverSet returns an empty observer set.
func NewObserverSet(logger *slog.Logger) *ObserverSet {
	return &ObserverSet{logger: logger}
}

// Register adds an observer. Nil observers are ignored.
func (os *ObserverSet) Register(obs PacketObserver) {
	if obs == nil {
		return
	}
	os.mu.Lock()
	os.entries = append(os.entries, &observerEntry{obs: obs})
	os.mu.Unlock()
}

// emit invokes fn on every enabled observer, timing each call and
// disabling observers that exceed the slow-call threshold.
func (os *ObserverSet) emit(what string, fn func(PacketObserver)) {
	os.mu.RLock()
	entries := os.entries
	os.mu.RUnlock()

	for _, e := range entries {
		if e.disabled.Load() {
			continue
		}
		start := time.Now()
		fn(e.obs)
		if elapsed := time.Since(start); elapsed > slowObserverThreshold {
			e.disabled.Store(true)
			os.logger.Warn("packet observer too slow, disabling",
				slog.String("event", what),
				slog.Duration("elapsed", elapsed),
			)
		}
	}
}

// PacketReceived notifies observers of a raw frame in either direction.
func (os *ObserverSet) PacketReceived(dir Direction, frame []byte, connID string) {
	if os == nil {
		return
	}
	os.emit("packet", func(o PacketObserver) { o.OnPacketReceived(dir, frame, connID) })
}

// ConnectionEstablished notifies observers of a new session.
func (os *ObserverSet) ConnectionEstablished(connID, peerAddr string) {
	if os == nil {
		return
	}
	os.emit("connect", func(o PacketObserver) { o.OnConnectionEstablished(connID, peerAddr) })
}

// ConnectionClosed notifies observers of a destroyed session.
func (os *ObserverSet) ConnectionClosed(connID, peerAddr string) {
	if os == nil {
		return
	}
	os.emit("close", func(o PacketObserver) { o.OnConnectionClosed(connID, peerAddr) })
}
