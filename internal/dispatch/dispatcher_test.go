package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cynclan/cyncd/internal/dispatch"
	"github.com/cynclan/cyncd/internal/registry"
	"github.com/cynclan/cyncd/internal/session"
	"github.com/cynclan/cyncd/internal/wire"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type sentCmd struct {
	endpoint [wire.EndpointSize]byte
	inner    []byte
	corrID   string
}

// fakeSender records SendReliable calls and replays scripted results.
type fakeSender struct {
	id    string
	addr  string
	last  time.Time
	knows map[uint8]bool

	mu      sync.Mutex
	sent    []sentCmd
	results []session.SendResult // popped per call; empty means success
}

func (f *fakeSender) ID() string              { return f.id }
func (f *fakeSender) PeerAddr() string        { return f.addr }
func (f *fakeSender) LastActivity() time.Time { return f.last }
func (f *fakeSender) Knows(id uint8) bool     { return f.knows[id] }

func (f *fakeSender) SendReliable(_ context.Context, endpoint [wire.EndpointSize]byte, inner []byte, corrID string) session.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCmd{endpoint: endpoint, inner: append([]byte(nil), inner...), corrID: corrID})
	if len(f.results) == 0 {
		return session.SendResult{Success: true, CorrelationID: corrID}
	}
	res := f.results[0]
	f.results = f.results[1:]
	res.CorrelationID = corrID
	return res
}

func (f *fakeSender) sentCmds() []sentCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCmd(nil), f.sent...)
}

// fakeProvider serves a fixed session set.
type fakeProvider struct {
	senders []*fakeSender
}

func (p *fakeProvider) ForDevice(cyncID uint8) []dispatch.Sender {
	var out []dispatch.Sender
	for _, s := range p.senders {
		if s.knows[cyncID] {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakeProvider) Ready() []dispatch.Sender {
	out := make([]dispatch.Sender, len(p.senders))
	for i, s := range p.senders {
		out[i] = s
	}
	return out
}

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(discardLogger())
	t.Cleanup(r.Close)

	r.UpsertDevice("h", 5, registry.Attrs{Name: "bulb", TypeCode: 90})   // full color
	r.UpsertDevice("h", 6, registry.Attrs{Name: "plug", TypeCode: 10})   // on/off
	r.UpsertDevice("h", 7, registry.Attrs{Name: "fan", TypeCode: 130})   // fan controller
	r.UpsertDevice("h", 8, registry.Attrs{Name: "bulb2", TypeCode: 90})
	for _, id := range []uint8{5, 6, 7, 8} {
		on := uint8(1)
		_ = r.UpdateStatus(id, registry.StatusDelta{State: &on})
	}
	r.UpsertGroup("h", 32769, "room", []uint8{5, 6, 8})
	return r
}

func newDispatcher(t *testing.T, cfg dispatch.Config, p dispatch.Provider, r *registry.Registry) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(cfg, p, r, nil, discardLogger())
	t.Cleanup(d.Wait)
	return d
}

// power command inner payload: header, mesh target, opcode, arg.
func powerInner(target uint8, on byte) []byte {
	return []byte{0x00, 0x00, 0x00, 0x00, 0xF8, target, 0xD0, on}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

// TestSendPowerSuccess verifies the happy path: one acknowledged copy,
// the shaped payload on the wire, and a follow-up state query.
func TestSendPowerSuccess(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	s := &fakeSender{id: "s1", addr: "10.0.0.1:1", knows: map[uint8]bool{5: true}}
	d := newDispatcher(t, dispatch.Config{Broadcasts: 2}, &fakeProvider{senders: []*fakeSender{s}}, reg)

	res, err := d.Send(context.Background(), dispatch.Target{CyncID: 5}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.SessionID != "s1" || res.CorrelationID == "" {
		t.Fatalf("Result = %+v", res)
	}

	d.Wait()
	sent := s.sentCmds()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2 (command + refresh query)", len(sent))
	}
	if got, want := sent[0].inner, powerInner(5, 0x01); string(got) != string(want) {
		t.Errorf("command inner = % X, want % X", got, want)
	}
	wantEndpoint := [wire.EndpointSize]byte{0, 0, 0, 0, 5}
	if sent[0].endpoint != wantEndpoint {
		t.Errorf("endpoint = % X, want % X", sent[0].endpoint, wantEndpoint)
	}
	// The refresh query reuses the correlation ID.
	if sent[1].corrID != res.CorrelationID {
		t.Errorf("refresh corrID = %q, want %q", sent[1].corrID, res.CorrelationID)
	}
}

// TestBroadcastFanout verifies a failed first copy is followed by a
// second, and any ACK counts as success.
func TestBroadcastFanout(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	s := &fakeSender{
		id: "s1", addr: "10.0.0.1:1", knows: map[uint8]bool{5: true},
		results: []session.SendResult{
			{Success: false, Reason: session.ReasonAckTimeout, Retries: 3},
			{Success: true, Retries: 1},
		},
	}
	d := newDispatcher(t, dispatch.Config{Broadcasts: 2}, &fakeProvider{senders: []*fakeSender{s}}, reg)

	res, err := d.Send(context.Background(), dispatch.Target{CyncID: 5}, dispatch.Command{Kind: dispatch.SetPower, On: false})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.Retries != 1 {
		t.Fatalf("Result = %+v, want success from the second copy", res)
	}

	d.Wait()
	sent := s.sentCmds()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3 (two copies + refresh)", len(sent))
	}
	if string(sent[0].inner) != string(sent[1].inner) {
		t.Error("broadcast copies must be identical")
	}
}

// TestBroadcastExhaustion verifies every copy failing yields a
// non-success result without error, and no refresh is scheduled.
func TestBroadcastExhaustion(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	s := &fakeSender{
		id: "s1", addr: "10.0.0.1:1", knows: map[uint8]bool{5: true},
		results: []session.SendResult{
			{Success: false, Reason: session.ReasonAckTimeout},
			{Success: false, Reason: session.ReasonAckTimeout},
		},
	}
	d := newDispatcher(t, dispatch.Config{Broadcasts: 2}, &fakeProvider{senders: []*fakeSender{s}}, reg)

	res, err := d.Send(context.Background(), dispatch.Target{CyncID: 5}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Fatal("Result must not be success when every copy times out")
	}

	d.Wait()
	if got := len(s.sentCmds()); got != 2 {
		t.Errorf("sent %d frames, want 2 (no refresh after failure)", got)
	}
}

// TestNoBridgeAvailable verifies the failure when no session knows the
// target.
func TestNoBridgeAvailable(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	d := newDispatcher(t, dispatch.Config{}, &fakeProvider{}, reg)

	_, err := d.Send(context.Background(), dispatch.Target{CyncID: 5}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if !errors.Is(err, dispatch.ErrNoBridgeAvailable) {
		t.Fatalf("err = %v, want ErrNoBridgeAvailable", err)
	}
}

// TestPrimarySelection verifies most-recent activity wins, with the
// lexicographic peer address as the tie-break.
func TestPrimarySelection(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	now := time.Now()

	older := &fakeSender{id: "old", addr: "10.0.0.1:1", last: now.Add(-time.Minute), knows: map[uint8]bool{5: true}}
	newer := &fakeSender{id: "new", addr: "10.0.0.9:1", last: now, knows: map[uint8]bool{5: true}}
	d := newDispatcher(t, dispatch.Config{Broadcasts: 1}, &fakeProvider{senders: []*fakeSender{older, newer}}, reg)

	res, err := d.Send(context.Background(), dispatch.Target{CyncID: 5}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.SessionID != "new" {
		t.Errorf("primary = %q, want the most recently active session", res.SessionID)
	}

	// Tie on activity: lowest address wins.
	tieA := &fakeSender{id: "a", addr: "10.0.0.2:1", last: now, knows: map[uint8]bool{6: true}}
	tieB := &fakeSender{id: "b", addr: "10.0.0.1:1", last: now, knows: map[uint8]bool{6: true}}
	d2 := newDispatcher(t, dispatch.Config{Broadcasts: 1}, &fakeProvider{senders: []*fakeSender{tieA, tieB}}, reg)

	res, err = d2.Send(context.Background(), dispatch.Target{CyncID: 6}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.SessionID != "b" {
		t.Errorf("primary = %q, want the lexicographically lowest address", res.SessionID)
	}
}

// TestGroupPrefersCoverage verifies group commands pick the session
// knowing the most members, and use the group endpoint.
func TestGroupPrefersCoverage(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	now := time.Now()

	sparse := &fakeSender{id: "sparse", addr: "10.0.0.1:1", last: now, knows: map[uint8]bool{5: true}}
	dense := &fakeSender{id: "dense", addr: "10.0.0.2:1", last: now.Add(-time.Hour), knows: map[uint8]bool{5: true, 6: true, 8: true}}
	d := newDispatcher(t, dispatch.Config{Broadcasts: 1}, &fakeProvider{senders: []*fakeSender{sparse, dense}}, reg)

	res, err := d.Send(context.Background(), dispatch.Target{Group: true, GroupID: 32769}, dispatch.Command{Kind: dispatch.SetPower, On: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.SessionID != "dense" {
		t.Errorf("primary = %q, want the session covering the most members", res.SessionID)
	}

	d.Wait()
	sent := dense.sentCmds()
	if len(sent) == 0 {
		t.Fatal("no frames sent")
	}
	wantEndpoint := [wire.EndpointSize]byte{0x01, 0x80, 0x01, 0x00, 0x00} // 32769 = 0x8001
	if sent[0].endpoint != wantEndpoint {
		t.Errorf("group endpoint = % X, want % X", sent[0].endpoint, wantEndpoint)
	}
}

// TestShaping pins the inner payloads for every intent kind and the
// capability rejections.
func TestShaping(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	tests := []struct {
		name      string
		target    dispatch.Target
		cmd       dispatch.Command
		wantInner []byte
		wantErr   error
	}{
		{
			name:      "power off",
			target:    dispatch.Target{CyncID: 5},
			cmd:       dispatch.Command{Kind: dispatch.SetPower, On: false},
			wantInner: powerInner(5, 0x00),
		},
		{
			name:      "brightness",
			target:    dispatch.Target{CyncID: 5},
			cmd:       dispatch.Command{Kind: dispatch.SetBrightness, Brightness: 0x7F},
			wantInner: []byte{0, 0, 0, 0, 0xF8, 5, 0xD2, 0x7F},
		},
		{
			name:      "color temperature 4500K at default bounds",
			target:    dispatch.Target{CyncID: 5},
			cmd:       dispatch.Command{Kind: dispatch.SetColorTemp, Kelvin: 4500},
			wantInner: []byte{0, 0, 0, 0, 0xF8, 5, 0xE2, 0x05, 50},
		},
		{
			name:      "rgb",
			target:    dispatch.Target{CyncID: 5},
			cmd:       dispatch.Command{Kind: dispatch.SetRGB, R: 0x80, G: 0x40, B: 0x20},
			wantInner: []byte{0, 0, 0, 0, 0xF8, 5, 0xE2, 0x04, 0x80, 0x40, 0x20},
		},
		{
			name:      "fan speed 60 percent",
			target:    dispatch.Target{CyncID: 7},
			cmd:       dispatch.Command{Kind: dispatch.SetFanSpeed, Percent: 60},
			wantInner: []byte{0, 0, 0, 0, 0xF8, 7, 0xD2, 75},
		},
		{
			name:    "rgb on a plug",
			target:  dispatch.Target{CyncID: 6},
			cmd:     dispatch.Command{Kind: dispatch.SetRGB, R: 1},
			wantErr: dispatch.ErrUnsupported,
		},
		{
			name:    "brightness out of range",
			target:  dispatch.Target{CyncID: 5},
			cmd:     dispatch.Command{Kind: dispatch.SetBrightness, Brightness: 150},
			wantErr: dispatch.ErrBadCommand,
		},
		{
			name:    "fan speed on a bulb",
			target:  dispatch.Target{CyncID: 5},
			cmd:     dispatch.Command{Kind: dispatch.SetFanSpeed, Percent: 50},
			wantErr: dispatch.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &fakeSender{
				id: "s1", addr: "10.0.0.1:1",
				knows: map[uint8]bool{5: true, 6: true, 7: true, 8: true},
			}
			d := newDispatcher(t, dispatch.Config{Broadcasts: 1}, &fakeProvider{senders: []*fakeSender{s}}, reg)

			_, err := d.Send(context.Background(), tt.target, tt.cmd)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send: %v", err)
			}

			d.Wait()
			sent := s.sentCmds()
			if len(sent) == 0 {
				t.Fatal("no frames sent")
			}
			if string(sent[0].inner) != string(tt.wantInner) {
				t.Errorf("inner = % X, want % X", sent[0].inner, tt.wantInner)
			}
		})
	}
}

// TestFanSpeedLevels pins the percentage-to-enum mapping.
func TestFanSpeedLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		percent uint8
		level   uint8
	}{
		{0, 0}, {1, 25}, {25, 25}, {26, 50}, {50, 50},
		{51, 75}, {75, 75}, {76, 100}, {100, 100},
	}
	for _, tt := range tests {
		if got := dispatch.FanSpeedLevel(tt.percent); got != tt.level {
			t.Errorf("FanSpeedLevel(%d) = %d, want %d", tt.percent, got, tt.level)
		}
	}
}
