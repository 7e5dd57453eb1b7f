package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Session Manager
// -------------------------------------------------------------------------

// Manager owns the set of live sessions. It assigns connection and queue
// IDs, answers routing queries from the dispatcher, and fans the
// device-offline signal out when a session dies.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// connSeq and queueSeq are monotone; queue IDs take the low 3 bytes
	// of queueSeq so every session in a bridge lifetime gets a distinct
	// queue ID (wrap after 16M accepts is acceptable).
	connSeq  atomic.Uint64
	queueSeq atomic.Uint32

	// onDevicesLost is called after a session closes, with the mesh IDs
	// that are no longer reachable through ANY remaining session. Wired
	// to the registry's MarkOffline at startup.
	onDevicesLost func(connID string, cyncIDs []uint8)
}

// NewManager returns an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// OnDevicesLost registers the callback invoked with mesh IDs orphaned by
// a session close. Must be set before the first Track call.
func (m *Manager) OnDevicesLost(fn func(connID string, cyncIDs []uint8)) {
	m.onDevicesLost = fn
}

// NextIDs allocates a connection ID and queue ID pair for a new accept.
func (m *Manager) NextIDs() (connID string, queueID [3]byte) {
	seq := m.connSeq.Add(1)
	q := m.queueSeq.Add(1)
	queueID[0] = byte(q >> 16)
	queueID[1] = byte(q >> 8)
	queueID[2] = byte(q)
	return fmt.Sprintf("conn-%d", seq), queueID
}

// Track registers a session and installs the close hook that removes it
// again. Call before starting the session's Run loop.
func (m *Manager) Track(s *Session) {
	s.onClose = m.remove

	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session tracked",
		slog.String("conn_id", s.id),
		slog.String("peer", s.peerAddr),
		slog.Int("active", n),
	)
}

// remove drops a closed session and reports devices that became
// unreachable.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	n := len(m.sessions)

	// A device is lost only if no surviving session knows it.
	var lost []uint8
	for _, id := range s.KnownDevices() {
		reachable := false
		for _, other := range m.sessions {
			if other.Knows(id) {
				reachable = true
				break
			}
		}
		if !reachable {
			lost = append(lost, id)
		}
	}
	m.mu.Unlock()

	m.logger.Info("session removed",
		slog.String("conn_id", s.id),
		slog.Int("active", n),
		slog.Int("devices_lost", len(lost)),
	)
	if len(lost) > 0 && m.onDevicesLost != nil {
		m.onDevicesLost(s.id, lost)
	}
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Get returns the session with the given connection ID, or nil.
func (m *Manager) Get(connID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[connID]
}

// ReadySessions returns every session currently in Ready.
func (m *Manager) ReadySessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() == StateReady {
			out = append(out, s)
		}
	}
	return out
}

// SessionsForDevice returns the Ready sessions that know the given mesh
// ID.
func (m *Manager) SessionsForDevice(cyncID uint8) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.State() == StateReady && s.Knows(cyncID) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll tears every session down with the shutdown reason and waits
// for each to finish. Used during graceful shutdown, after the listener
// stopped accepting.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(EventShutdown)
	}
	for _, s := range sessions {
		<-s.Done()
	}
	m.logger.Info("all sessions closed", slog.Int("count", len(sessions)))
}
