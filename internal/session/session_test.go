package session_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cynclan/cyncd/internal/session"
	"github.com/cynclan/cyncd/internal/wire"
)

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

// recordSink captures registry-bound traffic for assertions.
type recordSink struct {
	mu       sync.Mutex
	statuses []session.StatusUpdate
	infos    []uint8
}

func (r *recordSink) ApplyStatus(_ context.Context, _ string, u session.StatusUpdate) {
	r.mu.Lock()
	r.statuses = append(r.statuses, u)
	r.mu.Unlock()
}

func (r *recordSink) ApplyDeviceInfo(_ context.Context, _ string, cyncID uint8, _ []byte) {
	r.mu.Lock()
	r.infos = append(r.infos, cyncID)
	r.mu.Unlock()
}

func (r *recordSink) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func (r *recordSink) lastStatus() session.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

// harness runs a session over one end of a net.Pipe and plays the device
// on the other end. A background reader drains bridge-to-device frames
// into a channel so pipe writes never block.
type harness struct {
	t    *testing.T
	sess *session.Session
	dev  net.Conn
	sink *recordSink

	frames chan []byte
}

func newHarness(t *testing.T, timings session.Timings, retry session.RetryPolicy) *harness {
	t.Helper()

	devEnd, bridgeEnd := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &recordSink{}

	sess := session.New(bridgeEnd, "conn-test", [3]byte{0x00, 0x00, 0x01}, logger, session.Config{
		Sink:    sink,
		Timings: timings,
		Retry:   retry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sess.Run(ctx)
	}()

	h := &harness{
		t:      t,
		sess:   sess,
		dev:    devEnd,
		sink:   sink,
		frames: make(chan []byte, 64),
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		f := wire.NewFramer()
		buf := make([]byte, 4096)
		for {
			n, err := devEnd.Read(buf)
			if n > 0 {
				frames, _ := f.Push(buf[:n])
				for _, fr := range frames {
					h.frames <- fr
				}
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = devEnd.Close()
		<-runDone
		<-readDone
	})
	return h
}

func defaultHarness(t *testing.T) *harness {
	t.Helper()
	return newHarness(t, session.DeriveTimings(session.DefaultAckP99), session.DefaultRetryPolicy())
}

// waitFrame blocks until a frame of the wanted kind arrives.
func (h *harness) waitFrame(want wire.Kind) wire.Packet {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-h.frames:
			pkt, err := wire.Decode(fr)
			if err != nil {
				h.t.Fatalf("device received undecodable frame: %v", err)
			}
			if pkt.Kind == want {
				return pkt
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %v from bridge", want)
		}
	}
}

// send writes a device frame to the bridge.
func (h *harness) send(frame []byte) {
	h.t.Helper()
	_ = h.dev.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.dev.Write(frame); err != nil {
		h.t.Fatalf("device write: %v", err)
	}
}

// completeHandshake drives the session to Ready.
func (h *harness) completeHandshake() {
	h.t.Helper()
	h.send(deviceFrame(wire.KindHandshake, make([]byte, 16)))
	h.waitFrame(wire.KindHandshakeAck)
	h.waitFrame(wire.KindProbe)
	h.waitState(session.StateReady)
}

// waitState polls until the session reaches the wanted state.
func (h *harness) waitState(want session.State) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sess.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("session state = %v, want %v", h.sess.State(), want)
}

// -------------------------------------------------------------------------
// Device-Side Frame Builders
// -------------------------------------------------------------------------

func deviceFrame(kind wire.Kind, payload []byte) []byte {
	frame := make([]byte, wire.HeaderSize+len(payload))
	frame[0] = byte(kind)
	binary.BigEndian.PutUint16(frame[3:5], uint16(len(payload))) //nolint:gosec // test payloads are small
	copy(frame[wire.HeaderSize:], payload)
	return frame
}

// statusFrame builds a 0x83 broadcast carrying the given device data.
func statusFrame(endpoint [wire.EndpointSize]byte, msgID uint16, data []byte) []byte {
	payload := make([]byte, 0, 20+len(data))
	payload = append(payload, 0, 0, 0, 0, 0) // mesh header
	payload = append(payload, endpoint[:]...)
	payload = binary.BigEndian.AppendUint16(payload, msgID)
	payload = append(payload, wire.Marker)
	payload = append(payload, 0, 0, 0, 0, 0) // inner header
	payload = append(payload, data...)
	payload = append(payload, wire.Checksum(data))
	payload = append(payload, wire.Marker)
	return deviceFrame(wire.KindStatus, payload)
}

// commandAckFrame builds a 0x7B confirming the given message ID.
func commandAckFrame(msgID uint16) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint16(payload[10:12], msgID)
	return deviceFrame(wire.KindCommandAck, payload)
}

// commandMsgID extracts the message ID from a received 0x73.
func commandMsgID(t *testing.T, pkt wire.Packet) uint16 {
	t.Helper()
	if len(pkt.Payload) < 12 {
		t.Fatalf("command payload too short: %d", len(pkt.Payload))
	}
	return binary.BigEndian.Uint16(pkt.Payload[10:12])
}

// testInner is a minimal framed command body: 5-byte inner header plus
// an opcode-ish data region.
func testInner() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0xD0, 0x01}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

// TestSessionHandshakeToReady drives the full lifecycle: the device's
// 0x23 must produce a 0x28 reply and a 0xA3 probe, landing in Ready.
func TestSessionHandshakeToReady(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	if got := h.sess.State(); got != session.StateReady {
		t.Fatalf("State = %v, want Ready", got)
	}
}

// TestSessionRepeatHandshakeReacked verifies a retransmitted 0x23 after
// Ready is acknowledged again without a second probe.
func TestSessionRepeatHandshakeReacked(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	h.send(deviceFrame(wire.KindHandshake, make([]byte, 16)))
	h.waitFrame(wire.KindHandshakeAck)

	// Still Ready; the probe must not have been re-sent. Any probe would
	// arrive before the heartbeat ack below.
	h.send(deviceFrame(wire.KindHeartbeat, nil))
	pkt := h.waitFrame(wire.KindHeartbeatAck)
	if pkt.Kind != wire.KindHeartbeatAck {
		t.Fatalf("Kind = %v, want HeartbeatAck", pkt.Kind)
	}
	if got := h.sess.State(); got != session.StateReady {
		t.Fatalf("State = %v, want Ready", got)
	}
}

// TestSessionStatusDelivery verifies a 0x83 is acked, forwarded to the
// sink with decoded fields, and records the device behind the session.
func TestSessionStatusDelivery(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	data := []byte{0x05, 0x01, 0x50, 0x28, 0x00, 0x00, 0x00}
	h.send(statusFrame(endpoint, 42, data))
	h.waitFrame(wire.KindStatusAck)

	deadline := time.Now().Add(2 * time.Second)
	for h.sink.statusCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.sink.statusCount() != 1 {
		t.Fatalf("sink statuses = %d, want 1", h.sink.statusCount())
	}

	got := h.sink.lastStatus()
	if got.CyncID != 0x05 || got.State != 1 || got.Brightness != 0x50 || got.Temperature != 0x28 {
		t.Errorf("status = %+v, want id=5 state=1 brightness=0x50 temp=0x28", got)
	}
	if !h.sess.Knows(0x05) {
		t.Error("session must record device 0x05 after its broadcast")
	}
}

// TestSessionStatusDedup verifies a retransmitted broadcast is acked but
// not forwarded twice.
func TestSessionStatusDedup(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	data := []byte{0x05, 0x01, 0x64, 0x00, 0x00, 0x00, 0x00}
	frame := statusFrame(endpoint, 43, data)

	h.send(frame)
	h.waitFrame(wire.KindStatusAck)
	h.send(frame)
	h.waitFrame(wire.KindStatusAck)

	time.Sleep(20 * time.Millisecond)
	if got := h.sink.statusCount(); got != 1 {
		t.Fatalf("sink statuses = %d, want 1 (duplicate suppressed)", got)
	}
}

// TestSessionDeviceInfoAck verifies a 0x43 announcement is acked and the
// device ID is recorded.
func TestSessionDeviceInfoAck(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	h.send(deviceFrame(wire.KindDeviceInfo, []byte{0x09, 0x01, 0x02}))
	h.waitFrame(wire.KindInfoAck)

	deadline := time.Now().Add(2 * time.Second)
	for !h.sess.Knows(0x09) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !h.sess.Knows(0x09) {
		t.Error("session must record device 0x09 after its announcement")
	}
}

// TestSendReliableAcked verifies the command round trip: the bridge's
// 0x73 is answered with a matching 0x7B and the send succeeds without
// retries.
func TestSendReliableAcked(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	go func() {
		pkt := h.waitFrame(wire.KindCommand)
		h.send(commandAckFrame(commandMsgID(t, pkt)))
	}()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	res := h.sess.SendReliable(context.Background(), endpoint, testInner(), "corr-1")
	if !res.Success {
		t.Fatalf("SendReliable failed: %v", res.Reason)
	}
	if res.Retries != 0 {
		t.Errorf("Retries = %d, want 0", res.Retries)
	}
	if res.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", res.CorrelationID)
	}
}

// TestSendReliableRetriesThenAcked verifies the same message ID is
// reused across retransmissions and a late ACK still completes the send.
func TestSendReliableRetriesThenAcked(t *testing.T) {
	t.Parallel()

	timings := session.Timings{
		AckTimeout:       30 * time.Millisecond,
		HandshakeTimeout: time.Second,
		HeartbeatTimeout: time.Minute,
		CleanupInterval:  time.Minute,
	}
	retry := session.RetryPolicy{MaxRetries: 2, Base: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	h := newHarness(t, timings, retry)
	h.completeHandshake()

	// Ignore the first attempt; ack the second.
	go func() {
		first := h.waitFrame(wire.KindCommand)
		second := h.waitFrame(wire.KindCommand)
		if commandMsgID(t, first) != commandMsgID(t, second) {
			t.Error("retransmission must reuse the message ID")
		}
		h.send(commandAckFrame(commandMsgID(t, second)))
	}()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	res := h.sess.SendReliable(context.Background(), endpoint, testInner(), "corr-2")
	if !res.Success {
		t.Fatalf("SendReliable failed: %v", res.Reason)
	}
	if res.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Retries)
	}
}

// TestSendReliableTimeout verifies retry exhaustion fails the command
// with AckTimeout while the session itself stays Ready.
func TestSendReliableTimeout(t *testing.T) {
	t.Parallel()

	timings := session.Timings{
		AckTimeout:       20 * time.Millisecond,
		HandshakeTimeout: time.Second,
		HeartbeatTimeout: time.Minute,
		CleanupInterval:  time.Minute,
	}
	retry := session.RetryPolicy{MaxRetries: 1, Base: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
	h := newHarness(t, timings, retry)
	h.completeHandshake()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	res := h.sess.SendReliable(context.Background(), endpoint, testInner(), "corr-3")
	if res.Success {
		t.Fatal("SendReliable must fail when no ACK arrives")
	}
	if res.Reason != session.ReasonAckTimeout {
		t.Errorf("Reason = %v, want AckTimeout", res.Reason)
	}
	if res.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Retries)
	}
	if got := h.sess.State(); got != session.StateReady {
		t.Errorf("State = %v, want Ready (command timeout is not session-fatal)", got)
	}
	if h.sess.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after exhaustion", h.sess.PendingCount())
	}
}

// TestSendReliableNotReady verifies commands are refused before the
// handshake completes.
func TestSendReliableNotReady(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
	res := h.sess.SendReliable(context.Background(), endpoint, testInner(), "corr-4")
	if res.Success {
		t.Fatal("SendReliable must fail before Ready")
	}
	if res.Reason != session.ReasonConnectionClosed {
		t.Errorf("Reason = %v, want ConnectionClosed", res.Reason)
	}
}

// TestSessionPeerCloseReleasesWaiters verifies an in-flight command is
// failed promptly when the device drops the connection.
func TestSessionPeerCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	timings := session.Timings{
		AckTimeout:       5 * time.Second,
		HandshakeTimeout: time.Second,
		HeartbeatTimeout: time.Minute,
		CleanupInterval:  time.Minute,
	}
	h := newHarness(t, timings, session.RetryPolicy{MaxRetries: 0, Base: time.Millisecond, MaxDelay: time.Millisecond})
	h.completeHandshake()

	resCh := make(chan session.SendResult, 1)
	go func() {
		endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x05}
		resCh <- h.sess.SendReliable(context.Background(), endpoint, testInner(), "corr-5")
	}()

	// Let the command hit the wire, then kill the connection.
	h.waitFrame(wire.KindCommand)
	_ = h.dev.Close()

	select {
	case res := <-resCh:
		if res.Success {
			t.Fatal("SendReliable must fail on connection loss")
		}
		if res.Reason != session.ReasonConnectionClosed && res.Reason != session.ReasonShutdown {
			t.Errorf("Reason = %v, want ConnectionClosed", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on peer close")
	}

	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after peer close")
	}
}

// TestSessionUnknownKindTolerated verifies garbage kinds do not kill the
// session.
func TestSessionUnknownKindTolerated(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.completeHandshake()

	h.send(deviceFrame(wire.Kind(0x55), []byte{0x01, 0x02}))
	h.send(deviceFrame(wire.KindHeartbeat, nil))
	h.waitFrame(wire.KindHeartbeatAck)

	if got := h.sess.State(); got != session.StateReady {
		t.Errorf("State = %v, want Ready after unknown kind", got)
	}
}

// TestManagerRouting verifies device-to-session routing and the
// devices-lost fan-out on close.
func TestManagerRouting(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(logger)

	var (
		lostMu sync.Mutex
		lost   []uint8
	)
	mgr.OnDevicesLost(func(_ string, ids []uint8) {
		lostMu.Lock()
		lost = append(lost, ids...)
		lostMu.Unlock()
	})

	h := defaultHarness(t)
	mgr.Track(h.sess)
	h.completeHandshake()

	endpoint := [wire.EndpointSize]byte{0xAA, 0x00, 0x00, 0x00, 0x07}
	h.send(statusFrame(endpoint, 1, []byte{0x07, 0x01, 0x64, 0x00, 0x00, 0x00, 0x00}))
	h.waitFrame(wire.KindStatusAck)

	deadline := time.Now().Add(2 * time.Second)
	for len(mgr.SessionsForDevice(0x07)) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := mgr.SessionsForDevice(0x07); len(got) != 1 {
		t.Fatalf("SessionsForDevice(0x07) = %d sessions, want 1", len(got))
	}
	if got := mgr.SessionsForDevice(0x42); len(got) != 0 {
		t.Fatalf("SessionsForDevice(0x42) = %d sessions, want 0", len(got))
	}

	mgr.CloseAll()
	if mgr.Count() != 0 {
		t.Errorf("Count = %d after CloseAll, want 0", mgr.Count())
	}

	lostMu.Lock()
	defer lostMu.Unlock()
	if len(lost) != 1 || lost[0] != 0x07 {
		t.Errorf("lost devices = %v, want [0x07]", lost)
	}
}
