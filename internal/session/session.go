// Package session implements the per-connection engine of the bridge:
// TLS accept, the handshake/probe lifecycle, heartbeat enforcement,
// request/response correlation with at-most-once command delivery, and
// deduplication of device-initiated retransmissions.
//
// Each session owns exactly one TCP/TLS connection from a mesh bridge
// device. The reader is single-threaded per session; concurrency exists
// only across sessions and between a session's reader and the dispatcher
// goroutines calling SendReliable.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cynclan/cyncd/internal/wire"
)

// -------------------------------------------------------------------------
// Session Errors & Result Types
// -------------------------------------------------------------------------

// Sentinel errors for session operations.
var (
	// ErrSessionNotReady indicates an outbound command was issued before
	// the session reached Ready.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionClosed indicates the session was destroyed.
	ErrSessionClosed = errors.New("session closed")
)

// FailReason classifies why a reliable send did not succeed.
type FailReason uint8

const (
	// ReasonNone means the command was acknowledged.
	ReasonNone FailReason = iota

	// ReasonAckTimeout means every attempt timed out waiting for the ACK.
	ReasonAckTimeout

	// ReasonConnectionClosed means the session died mid-flight.
	ReasonConnectionClosed

	// ReasonShutdown means the bridge is shutting down.
	ReasonShutdown

	// ReasonWriteError means the frame could not be written.
	ReasonWriteError

	// ReasonCanceled means the caller's context was canceled.
	ReasonCanceled
)

// reasonNames maps failure reasons to wire-stable strings used in logs
// and metrics labels.
var reasonNames = [...]string{
	"NONE",
	"ACK_TIMEOUT",
	"CONNECTION_CLOSED",
	"SHUTDOWN",
	"WRITE_ERROR",
	"CANCELED",
}

// String returns the stable name for the failure reason.
func (r FailReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "UNKNOWN"
}

// SendResult is the outcome of a SendReliable call.
type SendResult struct {
	// Success is true when a CommandAck with the matching message ID
	// arrived within the retry budget.
	Success bool

	// CorrelationID is the caller's operation ID, echoed back for logs.
	CorrelationID string

	// Retries is the number of retransmissions performed (0 when the
	// first attempt was acknowledged).
	Retries int

	// Reason is ReasonNone on success, otherwise the failure class.
	Reason FailReason
}

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// StatusUpdate is a decoded device state broadcast handed to the registry.
type StatusUpdate struct {
	// CyncID is the device's mesh-local ID.
	CyncID uint8

	// State is 0 (off) or 1 (on) as reported; the registry validates.
	State uint8

	// Brightness is the reported 0-100 level.
	Brightness uint8

	// Temperature is the reported 0-100 color-temperature position.
	Temperature uint8

	// R, G, B are the reported color channels.
	R, G, B uint8
}

// Sink receives decoded device traffic. The registry implements it; the
// indirection keeps this package free of registry types.
type Sink interface {
	// ApplyStatus delivers a validated-by-shape status broadcast.
	// Broadcasts referencing unknown device IDs create minimal records.
	ApplyStatus(ctx context.Context, connID string, u StatusUpdate)

	// ApplyDeviceInfo delivers a device announcement (0x43) payload.
	ApplyDeviceInfo(ctx context.Context, connID string, cyncID uint8, raw []byte)
}

// MetricsReporter receives session instrumentation. A no-op
// implementation is used when nil is supplied.
type MetricsReporter interface {
	IncPacketsReceived(kind string)
	IncPacketsSent(kind string)
	IncDecodeErrors(reason string)
	IncRetransmits()
	RecordAckOutcome(outcome string)
	RecordHandshakeOutcome(outcome string)
	IncDisconnects(reason string)
	SetSessionState(connID, state string)
	SetDedupSize(connID string, size int)
	IncDedupHits()
	IncDedupEvictions()
	ObserveCommandLatency(d time.Duration)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncPacketsReceived(string)          {}
func (noopMetrics) IncPacketsSent(string)              {}
func (noopMetrics) IncDecodeErrors(string)             {}
func (noopMetrics) IncRetransmits()                    {}
func (noopMetrics) RecordAckOutcome(string)            {}
func (noopMetrics) RecordHandshakeOutcome(string)      {}
func (noopMetrics) IncDisconnects(string)              {}
func (noopMetrics) SetSessionState(string, string)     {}
func (noopMetrics) SetDedupSize(string, int)           {}
func (noopMetrics) IncDedupHits()                      {}
func (noopMetrics) IncDedupEvictions()                 {}
func (noopMetrics) ObserveCommandLatency(time.Duration) {}

// -------------------------------------------------------------------------
// Pending Command Table
// -------------------------------------------------------------------------

// pendingCommand tracks an outbound 0x73 awaiting its 0x7B ACK.
// Invariant: at most one entry per message ID per session; the message
// ID is not reusable while its entry exists.
type pendingCommand struct {
	msgID   uint16
	corrID  string
	sentAt  time.Time
	retries int

	// done receives exactly one value: ReasonNone on ACK, otherwise the
	// failure reason. Buffered so the signaler never blocks.
	done chan FailReason
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Config bundles the session collaborators and tuning. Zero values fall
// back to package defaults.
type Config struct {
	// Sink receives decoded device traffic. Required.
	Sink Sink

	// Metrics receives instrumentation. Optional.
	Metrics MetricsReporter

	// Observers receives raw frames and lifecycle events. Optional.
	Observers *ObserverSet

	// Timings holds the derived timeouts; the zero value is replaced by
	// DeriveTimings(DefaultAckP99).
	Timings Timings

	// Retry is the reliable-send backoff schedule; the zero value is
	// replaced by DefaultRetryPolicy.
	Retry RetryPolicy

	// DedupTTL and DedupCapacity tune the retransmission cache.
	DedupTTL      time.Duration
	DedupCapacity int
}

// Session is one live TCP/TLS connection from a device-mesh bridge.
//
// The reader goroutine (Run) owns all inbound processing; SendReliable
// may be called from any goroutine and synchronizes through the pending
// table and the write mutex.
type Session struct {
	id       string
	conn     net.Conn
	peerAddr string
	queueID  [3]byte

	logger    *slog.Logger
	metrics   MetricsReporter
	observers *ObserverSet
	sink      Sink
	timings   Timings
	retry     RetryPolicy

	// state is the FSM state. Atomic for lock-free external reads;
	// transitions additionally hold fsmMu.
	state atomic.Uint32
	fsmMu sync.Mutex

	// lastActivity is the Unix nanosecond timestamp of the last packet
	// of any kind; heartbeats and status broadcasts both refresh it.
	lastActivity atomic.Int64

	// acceptedAt anchors the handshake timeout.
	acceptedAt time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint16]*pendingCommand
	nextMsgID uint16

	devicesMu sync.RWMutex
	devices   map[uint8]struct{}

	// dedup is owned by the reader goroutine.
	dedup *dedupCache

	framer *wire.Framer

	closeOnce   sync.Once
	closedCh    chan struct{}
	closeReason FailReason

	// onClose is invoked once after teardown; set by the Manager.
	onClose func(*Session)

	// unknownKinds tracks kinds already logged so unknown packets are
	// logged once per kind, not per packet.
	unknownKinds map[wire.Kind]struct{}
}

// New creates a session for an accepted connection. The reader is not
// started until Run is called.
func New(conn net.Conn, id string, queueID [3]byte, logger *slog.Logger, cfg Config) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DeriveTimings(DefaultAckP99)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	s := &Session{
		id:           id,
		conn:         conn,
		peerAddr:     conn.RemoteAddr().String(),
		queueID:      queueID,
		metrics:      cfg.Metrics,
		observers:    cfg.Observers,
		sink:         cfg.Sink,
		timings:      cfg.Timings,
		retry:        cfg.Retry,
		pending:      make(map[uint16]*pendingCommand),
		devices:      make(map[uint8]struct{}),
		dedup:        newDedupCache(cfg.DedupTTL, cfg.DedupCapacity),
		framer:       wire.NewFramer(),
		closedCh:     make(chan struct{}),
		acceptedAt:   time.Now(),
		unknownKinds: make(map[wire.Kind]struct{}),
		logger: logger.With(
			slog.String("conn_id", id),
			slog.String("peer", conn.RemoteAddr().String()),
		),
	}
	s.state.Store(uint32(StateAccepted))
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// -------------------------------------------------------------------------
// Public Accessors
// -------------------------------------------------------------------------

// ID returns the connection ID.
func (s *Session) ID() string { return s.id }

// PeerAddr returns the remote address string.
func (s *Session) PeerAddr() string { return s.peerAddr }

// QueueID returns the 3-byte queue ID assigned at accept.
func (s *Session) QueueID() [3]byte { return s.queueID }

// State returns the current FSM state (atomic read).
func (s *Session) State() State {
	return State(s.state.Load()) //nolint:gosec // G115: State fits uint8
}

// LastActivity returns the time of the last packet of any kind.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Knows reports whether the device with the given mesh ID is reachable
// behind this session.
func (s *Session) Knows(cyncID uint8) bool {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()
	_, ok := s.devices[cyncID]
	return ok
}

// KnownDevices returns a copy of the mesh IDs seen behind this session.
func (s *Session) KnownDevices() []uint8 {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()
	ids := make([]uint8, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// KnownDeviceCount returns the number of mesh IDs seen behind this session.
func (s *Session) KnownDeviceCount() int {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()
	return len(s.devices)
}

// PendingCount returns the number of commands awaiting ACK.
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// DedupStats returns the cache's current size, hit count, and evictions.
// Values may be slightly stale; they are read without synchronizing with
// the reader goroutine and are for observability only.
func (s *Session) DedupStats() (size int, hits, evictions uint64) {
	return s.dedup.Len(), s.dedup.Hits(), s.dedup.Evictions()
}

// Done returns a channel closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// -------------------------------------------------------------------------
// FSM Driving
// -------------------------------------------------------------------------

// applyEvent runs the FSM and executes the resulting actions. Safe to
// call from the reader and from external close paths; transitions are
// serialized by fsmMu.
func (s *Session) applyEvent(ev Event) {
	s.fsmMu.Lock()
	res := Apply(s.State(), ev)
	if res.Changed {
		s.state.Store(uint32(res.NewState))
	}
	s.fsmMu.Unlock()

	if res.Changed {
		s.logger.Info("session state changed",
			slog.String("old_state", res.OldState.String()),
			slog.String("new_state", res.NewState.String()),
			slog.String("event", ev.String()),
		)
		s.metrics.SetSessionState(s.id, res.NewState.String())
	}

	for _, action := range res.Actions {
		s.executeAction(action, ev)
	}
}

// executeAction dispatches a single FSM action.
func (s *Session) executeAction(action Action, ev Event) {
	switch action {
	case ActionSendHandshakeAck:
		if err := s.writeFrame(wire.EncodeHandshakeAck(s.queueID), wire.KindHandshakeAck); err != nil {
			return
		}
		s.applyEvent(EventHandshakeAcked)
	case ActionSendProbe:
		if err := s.writeFrame(wire.EncodeProbe(s.queueID), wire.KindProbe); err != nil {
			return
		}
		s.metrics.RecordHandshakeOutcome("ok")
		s.applyEvent(EventProbeSent)
	case ActionReleaseWaiters:
		s.releaseWaiters(failReasonFor(ev))
	case ActionCloseConn:
		s.markClosed(failReasonFor(ev))
	default:
		s.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}
}

// failReasonFor maps a closing event to the reason handed to waiters.
func failReasonFor(ev Event) FailReason {
	if ev == EventShutdown {
		return ReasonShutdown
	}
	return ReasonConnectionClosed
}

// markClosed performs the one-shot teardown: close the socket, release
// any remaining waiters, drop the dedup cache, and notify collaborators.
func (s *Session) markClosed(reason FailReason) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		_ = s.conn.Close()
		s.releaseWaiters(reason)
		close(s.closedCh)

		s.metrics.IncDisconnects(reason.String())
		s.metrics.SetSessionState(s.id, StateClosed.String())
		s.observers.ConnectionClosed(s.id, s.peerAddr)
		s.logger.Info("session closed", slog.String("reason", reason.String()))

		if s.onClose != nil {
			s.onClose(s)
		}
	})
	s.applyEvent(EventCloseComplete)
}

// Close tears the session down from outside the reader (manager
// shutdown, connection-limit enforcement).
func (s *Session) Close(ev Event) {
	s.applyEvent(ev)
	// Events ignored by the FSM in the current state must still destroy
	// the session; a session never outlives an explicit Close.
	s.markClosed(failReasonFor(ev))
}

// releaseWaiters fails every pending-ACK waiter with the given reason
// and empties the table.
func (s *Session) releaseWaiters(reason FailReason) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for msgID, pc := range s.pending {
		select {
		case pc.done <- reason:
		default:
		}
		delete(s.pending, msgID)
	}
}

// -------------------------------------------------------------------------
// Reader Loop
// -------------------------------------------------------------------------

// readBufSize is the per-read buffer. Device frames are small; one page
// comfortably holds several.
const readBufSize = 4096

// Run drives the session: it applies the TLS-established transition,
// then reads, frames, and handles packets until the connection dies or
// the context is canceled. Run blocks; callers start it on its own
// goroutine. The connection is always closed by the time Run returns.
func (s *Session) Run(ctx context.Context) {
	s.observers.ConnectionEstablished(s.id, s.peerAddr)
	s.applyEvent(EventTLSEstablished)

	// Watch for external cancellation: closing the socket unblocks the
	// reader immediately.
	stop := context.AfterFunc(ctx, func() {
		s.applyEvent(EventShutdown)
	})
	defer stop()

	buf := make([]byte, readBufSize)
	for {
		if s.State() == StateClosed || s.State() == StateClosing {
			s.markClosed(s.closeReasonOr(ReasonConnectionClosed))
			return
		}

		// Bound each read so health checks run even on a silent socket.
		deadline := time.Now().Add(s.timings.CleanupInterval)
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			s.applyEvent(EventFatalError)
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.ingest(ctx, buf[:n])
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.healthCheck()
				continue
			}
			// EOF and resets are a peer close; everything else is fatal.
			// Both tear the session down, they differ only in metrics.
			if isPeerClosed(err) {
				s.applyEvent(EventPeerClosed)
			} else {
				s.applyEvent(EventFatalError)
			}
			return
		}
	}
}

// closeReasonOr returns the recorded close reason, or fallback when the
// session has not recorded one yet.
func (s *Session) closeReasonOr(fallback FailReason) FailReason {
	if s.closeReason != ReasonNone {
		return s.closeReason
	}
	return fallback
}

// isPeerClosed reports whether err is an orderly or abortive peer close.
func isPeerClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return err.Error() == "EOF"
}

// ingest feeds bytes to the framer and handles every complete frame.
func (s *Session) ingest(ctx context.Context, data []byte) {
	frames, err := s.framer.Push(data)
	if err != nil {
		s.metrics.IncDecodeErrors("framing")
		s.logger.Warn("framer recovery", slog.String("error", err.Error()))
	}
	for _, frame := range frames {
		s.observers.PacketReceived(DirInbound, frame, s.id)
		s.handleFrame(ctx, frame)
	}
}

// healthCheck enforces the handshake and heartbeat timeouts and sweeps
// the dedup cache. Runs on the reader goroutine between reads.
func (s *Session) healthCheck() {
	now := time.Now()
	state := s.State()

	switch {
	case state != StateReady && state != StateClosing && state != StateClosed:
		if now.Sub(s.acceptedAt) > s.timings.HandshakeTimeout {
			s.metrics.RecordHandshakeOutcome("timeout")
			s.logger.Warn("handshake timeout",
				slog.Duration("elapsed", now.Sub(s.acceptedAt)),
			)
			s.applyEvent(EventHandshakeTimeout)
		}
	case state == StateReady:
		if now.Sub(s.LastActivity()) > s.timings.HeartbeatTimeout {
			s.logger.Warn("heartbeat timeout, closing session",
				slog.Duration("idle", now.Sub(s.LastActivity())),
			)
			s.applyEvent(EventIdleExpired)
		}
	}

	s.dedup.Sweep()
	s.metrics.SetDedupSize(s.id, s.dedup.Len())
}

// -------------------------------------------------------------------------
// Inbound Handling
// -------------------------------------------------------------------------

// handleFrame decodes one frame and applies it to session state.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	pkt, err := wire.Decode(frame)
	if err != nil {
		s.recordDecodeError(err, frame)
		return
	}

	s.lastActivity.Store(time.Now().UnixNano())
	s.metrics.IncPacketsReceived(pkt.Kind.String())

	switch pkt.Kind {
	case wire.KindHandshake:
		s.handleHandshake()
	case wire.KindDeviceInfo:
		s.handleDeviceInfo(ctx, pkt)
	case wire.KindStatus:
		s.handleStatus(ctx, pkt)
	case wire.KindCommandAck:
		s.handleCommandAck(pkt)
	case wire.KindHeartbeat, wire.KindHeartbeatAlt:
		_ = s.writeFrame(wire.EncodeHeartbeatAck(), wire.KindHeartbeatAck)
	default:
		// Bridge-originated kinds echoed back, or kinds we know but do
		// not expect inbound. Not session-fatal.
		s.logger.Debug("unexpected inbound kind", slog.String("kind", pkt.Kind.String()))
	}
}

// recordDecodeError counts and logs a decode failure. Unknown kinds are
// logged once per kind at low level; the session stays open.
func (s *Session) recordDecodeError(err error, frame []byte) {
	var de *wire.DecodeError
	if !errors.As(err, &de) {
		s.metrics.IncDecodeErrors("unknown")
		return
	}
	s.metrics.IncDecodeErrors(de.Reason.String())

	if de.Reason == wire.ReasonUnknownKind {
		kind := wire.Kind(0)
		if len(frame) > 0 {
			kind = wire.Kind(frame[0])
		}
		if _, logged := s.unknownKinds[kind]; logged {
			return
		}
		s.unknownKinds[kind] = struct{}{}
	}
	s.logger.Debug("dropping malformed frame", slog.String("error", de.Error()))
}

// handleHandshake replies to 0x23 and advances the lifecycle. A repeat
// handshake (device retransmission) is re-acknowledged without
// re-running the probe.
func (s *Session) handleHandshake() {
	if s.State() != StateAwaitingHandshake {
		_ = s.writeFrame(wire.EncodeHandshakeAck(s.queueID), wire.KindHandshakeAck)
		return
	}
	s.applyEvent(EventRecvHandshake)
}

// handleDeviceInfo records announced device metadata and replies 0x48.
func (s *Session) handleDeviceInfo(ctx context.Context, pkt wire.Packet) {
	if len(pkt.Payload) > 0 {
		cyncID := pkt.Payload[0]
		s.addKnownDevice(cyncID)
		if s.sink != nil {
			s.sink.ApplyDeviceInfo(ctx, s.id, cyncID, pkt.Payload)
		}
	}
	_ = s.writeFrame(wire.EncodeInfoAck(), wire.KindInfoAck)
}

// statusDataLen is the minimum device-data region of a status broadcast:
// mesh ID, state, brightness, temperature, and three color channels.
const statusDataLen = 7

// handleStatus decodes a 0x83 broadcast, suppresses retransmissions, and
// forwards the state delta to the registry. The device always sees an
// ACK, dedup hit or not.
func (s *Session) handleStatus(ctx context.Context, pkt wire.Packet) {
	f, err := wire.DecodeFramed(pkt)
	if err != nil {
		s.recordDecodeError(err, pkt.Raw)
		return
	}

	if s.State() != StateReady {
		// Out-of-order broadcast before the handshake completed.
		s.logger.Debug("dropping status outside Ready",
			slog.String("state", s.State().String()),
		)
		return
	}

	if s.dedup.Seen(pkt.Kind, &f) {
		s.metrics.IncDedupHits()
		s.metrics.RecordAckOutcome("idempotent_drop")
		_ = s.writeFrame(wire.EncodeStatusAck(f.Endpoint, f.MsgID), wire.KindStatusAck)
		return
	}

	data := f.DeviceData()
	if len(data) >= statusDataLen {
		cyncID := data[0]
		s.addKnownDevice(cyncID)
		if s.sink != nil {
			s.sink.ApplyStatus(ctx, s.id, StatusUpdate{
				CyncID:      cyncID,
				State:       data[1],
				Brightness:  data[2],
				Temperature: data[3],
				R:           data[4],
				G:           data[5],
				B:           data[6],
			})
		}
	} else {
		s.logger.Debug("short status data", slog.Int("len", len(data)))
	}

	_ = s.writeFrame(wire.EncodeStatusAck(f.Endpoint, f.MsgID), wire.KindStatusAck)
}

// handleCommandAck completes the pending command matching the ACK's
// message ID. Late ACKs (entry already gone) are dropped.
func (s *Session) handleCommandAck(pkt wire.Packet) {
	msgID, err := wire.AckMsgID(pkt)
	if err != nil {
		s.recordDecodeError(err, pkt.Raw)
		return
	}

	s.pendingMu.Lock()
	pc, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("late command ACK", slog.Int("msg_id", int(msgID)))
		return
	}
	select {
	case pc.done <- ReasonNone:
	default:
	}
}

// addKnownDevice records a mesh ID behind this session.
func (s *Session) addKnownDevice(cyncID uint8) {
	s.devicesMu.Lock()
	s.devices[cyncID] = struct{}{}
	s.devicesMu.Unlock()
}

// -------------------------------------------------------------------------
// Outbound — Reliable Command Delivery
// -------------------------------------------------------------------------

// SendReliable delivers a 0x73 command with at-most-once semantics:
// a fresh message ID, ACK-driven completion, and exponential-backoff
// retries that reuse the same message ID so the device's own dedup
// absorbs retransmissions.
//
// inner must start with the 5-byte inner header (see wire.EncodeCommand).
// The call blocks until the command is acknowledged, the retry budget is
// exhausted, the session dies, or ctx is canceled. The session remains
// open after a timeout; only the command fails.
func (s *Session) SendReliable(ctx context.Context, endpoint [wire.EndpointSize]byte, inner []byte, corrID string) SendResult {
	fail := func(reason FailReason, retries int) SendResult {
		return SendResult{CorrelationID: corrID, Retries: retries, Reason: reason}
	}

	if s.State() != StateReady {
		return fail(ReasonConnectionClosed, 0)
	}

	msgID, pc, err := s.installPending(corrID)
	if err != nil {
		return fail(ReasonConnectionClosed, 0)
	}

	frame, err := wire.EncodeCommand(s.queueID, endpoint, msgID, inner)
	if err != nil {
		s.removePending(msgID)
		s.logger.Error("encode command", slog.String("error", err.Error()))
		return fail(ReasonWriteError, 0)
	}

	start := time.Now()
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.IncRetransmits()
			if !sleepCtx(ctx, s.retry.Delay(attempt-1)) {
				s.removePending(msgID)
				return fail(ReasonCanceled, attempt)
			}
		}

		if err := s.writeFrame(frame, wire.KindCommand); err != nil {
			s.removePending(msgID)
			return fail(ReasonWriteError, attempt)
		}
		pc.retries = attempt

		timer := time.NewTimer(s.timings.AckTimeout)
		select {
		case reason := <-pc.done:
			timer.Stop()
			if reason == ReasonNone {
				s.metrics.RecordAckOutcome("matched")
				s.metrics.ObserveCommandLatency(time.Since(start))
				return SendResult{
					Success:       true,
					CorrelationID: corrID,
					Retries:       attempt,
				}
			}
			// Waiter released by teardown.
			return fail(reason, attempt)
		case <-s.closedCh:
			timer.Stop()
			s.removePending(msgID)
			return fail(s.closeReasonOr(ReasonConnectionClosed), attempt)
		case <-ctx.Done():
			timer.Stop()
			s.removePending(msgID)
			return fail(ReasonCanceled, attempt)
		case <-timer.C:
			// Retry with the same message ID.
		}
	}

	s.removePending(msgID)
	s.metrics.RecordAckOutcome("timeout")
	s.logger.Warn("command unacknowledged after retries",
		slog.String("correlation_id", corrID),
		slog.Int("retries", s.retry.MaxRetries),
	)
	return fail(ReasonAckTimeout, s.retry.MaxRetries)
}

// installPending allocates a fresh message ID and registers the waiter.
// Message IDs roll over but are never reused while an entry for the same
// value is pending.
func (s *Session) installPending(corrID string) (uint16, *pendingCommand, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	select {
	case <-s.closedCh:
		return 0, nil, ErrSessionClosed
	default:
	}

	// Find the next free ID. The table is tiny compared to the 64 Ki ID
	// space, so this terminates quickly.
	for i := 0; i < 1<<16; i++ {
		s.nextMsgID++
		if _, taken := s.pending[s.nextMsgID]; !taken {
			break
		}
	}

	pc := &pendingCommand{
		msgID:  s.nextMsgID,
		corrID: corrID,
		sentAt: time.Now(),
		done:   make(chan FailReason, 1),
	}
	s.pending[pc.msgID] = pc
	return pc.msgID, pc, nil
}

// removePending drops the entry for msgID if still present.
func (s *Session) removePending(msgID uint16) {
	s.pendingMu.Lock()
	delete(s.pending, msgID)
	s.pendingMu.Unlock()
}

// sleepCtx sleeps for d or until ctx is canceled; reports false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// -------------------------------------------------------------------------
// Writes
// -------------------------------------------------------------------------

// writeFrame writes one frame with a bounded deadline. Write errors are
// session-fatal.
func (s *Session) writeFrame(frame []byte, kind wire.Kind) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closedCh:
		return ErrSessionClosed
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timings.AckTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.logger.Warn("write failed",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		s.applyEvent(EventFatalError)
		return fmt.Errorf("write %s: %w", kind, err)
	}

	s.metrics.IncPacketsSent(kind.String())
	s.observers.PacketReceived(DirOutbound, frame, s.id)
	return nil
}
