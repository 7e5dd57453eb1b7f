// Package dispatch decides which session carries an outbound command
// and how MQTT intent is shaped into wire payloads. The dispatcher is
// stateless apart from primary-selection bookkeeping; devices live in
// the registry, connections live in the session manager.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cynclan/cyncd/internal/correlate"
	"github.com/cynclan/cyncd/internal/registry"
	"github.com/cynclan/cyncd/internal/session"
	"github.com/cynclan/cyncd/internal/wire"
)

// -------------------------------------------------------------------------
// Errors & Types
// -------------------------------------------------------------------------

// Sentinel errors for dispatch operations.
var (
	// ErrNoBridgeAvailable means no Ready session knows the target.
	ErrNoBridgeAvailable = errors.New("no bridge available for target")

	// ErrUnsupported means the target lacks the capability the command
	// requires.
	ErrUnsupported = errors.New("command unsupported by target")

	// ErrBadCommand means the command carries an out-of-range value.
	ErrBadCommand = errors.New("bad command value")
)

// CommandKind discriminates the intent union.
type CommandKind uint8

const (
	// SetPower switches the target on or off.
	SetPower CommandKind = iota + 1

	// SetBrightness dims to a 0-100 level.
	SetBrightness

	// SetColorTemp tunes white to a Kelvin value.
	SetColorTemp

	// SetRGB sets full color.
	SetRGB

	// SetFanSpeed sets a fan percentage, mapped to the speed enum.
	SetFanSpeed
)

// Command is a shaped-ready intent. Only the fields matching Kind are
// read.
type Command struct {
	Kind       CommandKind
	On         bool
	Brightness uint8 // 0-100, device scale
	Kelvin     int
	R, G, B    uint8
	Percent    uint8 // fan percentage 0-100
}

// Target names a device or group.
type Target struct {
	// Group is true when GroupID addresses a mesh group; otherwise
	// CyncID addresses a single device.
	Group   bool
	CyncID  uint8
	GroupID int
}

func (t Target) String() string {
	if t.Group {
		return fmt.Sprintf("group/%d", t.GroupID)
	}
	return fmt.Sprintf("device/%d", t.CyncID)
}

// Result is the outcome of a dispatched command.
type Result struct {
	Success       bool
	CorrelationID string
	SessionID     string

	// Retries is the retransmission count of the winning (or last)
	// broadcast copy.
	Retries int
}

// -------------------------------------------------------------------------
// Session Abstraction
// -------------------------------------------------------------------------

// Sender is the slice of a session the dispatcher needs. *session.Session
// satisfies it; tests substitute fakes.
type Sender interface {
	ID() string
	PeerAddr() string
	LastActivity() time.Time
	Knows(cyncID uint8) bool
	SendReliable(ctx context.Context, endpoint [wire.EndpointSize]byte, inner []byte, corrID string) session.SendResult
}

// Provider resolves live sessions for targets.
type Provider interface {
	// ForDevice returns the Ready sessions that know the mesh ID.
	ForDevice(cyncID uint8) []Sender

	// Ready returns every Ready session.
	Ready() []Sender
}

// ManagerProvider adapts *session.Manager to Provider.
type ManagerProvider struct {
	Manager *session.Manager
}

// ForDevice implements Provider.
func (p ManagerProvider) ForDevice(cyncID uint8) []Sender {
	return toSenders(p.Manager.SessionsForDevice(cyncID))
}

// Ready implements Provider.
func (p ManagerProvider) Ready() []Sender {
	return toSenders(p.Manager.ReadySessions())
}

func toSenders(in []*session.Session) []Sender {
	out := make([]Sender, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Metrics receives dispatcher instrumentation; nil-safe via noop.
type Metrics interface {
	IncDispatchFailures(reason string)
	IncPrimaryFlips()
	ObserveRefreshLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncDispatchFailures(string)          {}
func (noopMetrics) IncPrimaryFlips()                    {}
func (noopMetrics) ObserveRefreshLatency(time.Duration) {}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// Config tunes the dispatcher.
type Config struct {
	// Broadcasts is the number of copies per command (CYNC_CMD_BROADCASTS).
	Broadcasts int

	// BroadcastSpacing delays successive copies. Zero is fine; the
	// device-side dedup absorbs back-to-back repeats.
	BroadcastSpacing time.Duration

	// MinKelvin / MaxKelvin bound the color-temperature mapping.
	MinKelvin, MaxKelvin int

	// RefreshBudget bounds the post-command state query.
	RefreshBudget time.Duration
}

// Defaults.
const (
	DefaultBroadcasts    = 2
	DefaultRefreshBudget = 500 * time.Millisecond
)

// Dispatcher routes commands to sessions.
type Dispatcher struct {
	cfg      Config
	provider Provider
	reg      *registry.Registry
	metrics  Metrics
	logger   *slog.Logger

	// primaries remembers the last primary per target so flips are
	// observable.
	primaryMu sync.Mutex
	primaries map[string]string

	// refreshWG tracks in-flight post-command refreshes so shutdown can
	// wait for them.
	refreshWG sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config, provider Provider, reg *registry.Registry, metrics Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Broadcasts <= 0 {
		cfg.Broadcasts = DefaultBroadcasts
	}
	if cfg.MinKelvin <= 0 {
		cfg.MinKelvin = registry.DefaultMinKelvin
	}
	if cfg.MaxKelvin <= cfg.MinKelvin {
		cfg.MaxKelvin = registry.DefaultMaxKelvin
	}
	if cfg.RefreshBudget <= 0 {
		cfg.RefreshBudget = DefaultRefreshBudget
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		cfg:       cfg,
		provider:  provider,
		reg:       reg,
		metrics:   metrics,
		logger:    logger,
		primaries: make(map[string]string),
	}
}

// Wait blocks until in-flight post-command refreshes finish. Called
// during shutdown.
func (d *Dispatcher) Wait() { d.refreshWG.Wait() }

// Send shapes and delivers one command to the target, fanning out the
// configured number of broadcast copies over the primary session. Any
// acknowledged copy counts as success. After success, a targeted state
// query is issued in the background so the device's fresh 0x83 arrives
// within the refresh budget.
func (d *Dispatcher) Send(ctx context.Context, target Target, cmd Command) (Result, error) {
	corrID := correlate.ID(ctx)
	if corrID == "" {
		ctx = correlate.WithID(ctx)
		corrID = correlate.ID(ctx)
	}

	inner, meshTarget, err := d.shape(target, cmd)
	if err != nil {
		d.metrics.IncDispatchFailures("shape")
		return Result{CorrelationID: corrID}, err
	}

	primary, err := d.resolve(target)
	if err != nil {
		d.metrics.IncDispatchFailures("no_bridge")
		d.logger.Warn("dispatch failed",
			slog.String("target", target.String()),
			slog.String("correlation_id", corrID),
			slog.String("error", err.Error()),
		)
		return Result{CorrelationID: corrID}, err
	}

	endpoint := d.endpoint(target)
	res := d.broadcast(ctx, primary, endpoint, inner, corrID)
	if !res.Success {
		d.metrics.IncDispatchFailures("ack_timeout")
		return res, nil
	}

	d.scheduleRefresh(primary, endpoint, meshTarget, corrID)
	return res, nil
}

// shape validates the command against the target's capabilities and
// produces the inner payload plus the mesh address byte.
func (d *Dispatcher) shape(target Target, cmd Command) (inner []byte, meshTarget uint8, err error) {
	meshTarget = target.CyncID
	caps := registry.Capabilities(0)
	if target.Group {
		meshTarget = groupTarget
		// Groups accept anything any member accepts; validate against
		// the union of member capabilities.
		if g, ok := d.reg.Group(target.GroupID); ok {
			for _, id := range g.Members {
				if dev, ok := d.reg.Device(id); ok {
					caps |= dev.Caps
				}
			}
		}
	} else if dev, ok := d.reg.Device(target.CyncID); ok {
		caps = dev.Caps
	}

	switch cmd.Kind {
	case SetPower:
		return innerPower(meshTarget, cmd.On), meshTarget, nil
	case SetBrightness:
		if cmd.Brightness > 100 {
			return nil, 0, fmt.Errorf("%w: brightness %d", ErrBadCommand, cmd.Brightness)
		}
		if caps.Has(registry.CapFanSpeed) && !caps.Has(registry.CapBrightness) {
			// Fan controllers express speed through the brightness
			// opcode.
			return innerBrightness(meshTarget, FanSpeedLevel(cmd.Brightness)), meshTarget, nil
		}
		if !caps.Has(registry.CapBrightness) {
			return nil, 0, fmt.Errorf("%w: %s has no brightness", ErrUnsupported, target)
		}
		return innerBrightness(meshTarget, cmd.Brightness), meshTarget, nil
	case SetColorTemp:
		if !caps.Has(registry.CapColorTemp) {
			return nil, 0, fmt.Errorf("%w: %s has no color temperature", ErrUnsupported, target)
		}
		pos := registry.KelvinToDevice(cmd.Kelvin, d.cfg.MinKelvin, d.cfg.MaxKelvin)
		return innerColorTemp(meshTarget, pos), meshTarget, nil
	case SetRGB:
		if !caps.Has(registry.CapRGB) {
			return nil, 0, fmt.Errorf("%w: %s has no color", ErrUnsupported, target)
		}
		return innerRGB(meshTarget, cmd.R, cmd.G, cmd.B), meshTarget, nil
	case SetFanSpeed:
		if !caps.Has(registry.CapFanSpeed) {
			return nil, 0, fmt.Errorf("%w: %s is not a fan", ErrUnsupported, target)
		}
		if cmd.Percent > 100 {
			return nil, 0, fmt.Errorf("%w: percentage %d", ErrBadCommand, cmd.Percent)
		}
		return innerBrightness(meshTarget, FanSpeedLevel(cmd.Percent)), meshTarget, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown intent %d", ErrBadCommand, cmd.Kind)
	}
}

// endpoint derives the wire endpoint for the target.
func (d *Dispatcher) endpoint(target Target) [wire.EndpointSize]byte {
	if target.Group {
		return groupEndpoint(target.GroupID)
	}
	return deviceEndpoint(target.CyncID)
}

// resolve selects the primary session for the target.
func (d *Dispatcher) resolve(target Target) (Sender, error) {
	var candidates []Sender
	if target.Group {
		candidates = d.groupCandidates(target.GroupID)
	} else {
		candidates = d.provider.ForDevice(target.CyncID)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBridgeAvailable, target)
	}

	primary := pickPrimary(candidates, d.memberCounter(target))
	d.recordPrimary(target.String(), primary.ID())
	return primary, nil
}

// groupCandidates returns Ready sessions knowing at least one online
// member of the group.
func (d *Dispatcher) groupCandidates(groupID int) []Sender {
	g, ok := d.reg.Group(groupID)
	if !ok {
		return nil
	}
	var out []Sender
	for _, s := range d.provider.Ready() {
		for _, id := range g.Members {
			dev, ok := d.reg.Device(id)
			if !ok || !dev.Status.Online {
				continue
			}
			if s.Knows(id) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// memberCounter returns a scoring function: for groups, the number of
// group members a session knows; for devices, constant.
func (d *Dispatcher) memberCounter(target Target) func(Sender) int {
	if !target.Group {
		return func(Sender) int { return 0 }
	}
	g, ok := d.reg.Group(target.GroupID)
	if !ok {
		return func(Sender) int { return 0 }
	}
	members := append([]uint8(nil), g.Members...)
	return func(s Sender) int {
		n := 0
		for _, id := range members {
			if s.Knows(id) {
				n++
			}
		}
		return n
	}
}

// pickPrimary orders candidates by member coverage (groups), then
// most-recent activity, then lexicographic peer address, and returns
// the first.
func pickPrimary(candidates []Sender, score func(Sender) int) Sender {
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		ai, aj := candidates[i].LastActivity(), candidates[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return candidates[i].PeerAddr() < candidates[j].PeerAddr()
	})
	return candidates[0]
}

// recordPrimary tracks primary churn per target.
func (d *Dispatcher) recordPrimary(target, sessionID string) {
	d.primaryMu.Lock()
	prev, had := d.primaries[target]
	d.primaries[target] = sessionID
	d.primaryMu.Unlock()

	if had && prev != sessionID {
		d.metrics.IncPrimaryFlips()
		d.logger.Info("primary session changed",
			slog.String("target", target),
			slog.String("old_session", prev),
			slog.String("new_session", sessionID),
		)
	}
}

// broadcast sends the configured number of copies and succeeds on the
// first acknowledged one. Copies run sequentially spaced by the
// configured delay; each copy carries its own message ID and retry
// budget.
func (d *Dispatcher) broadcast(ctx context.Context, s Sender, endpoint [wire.EndpointSize]byte, inner []byte, corrID string) Result {
	var last session.SendResult
	for i := 0; i < d.cfg.Broadcasts; i++ {
		if i > 0 && d.cfg.BroadcastSpacing > 0 {
			select {
			case <-time.After(d.cfg.BroadcastSpacing):
			case <-ctx.Done():
				return Result{CorrelationID: corrID, SessionID: s.ID(), Retries: last.Retries}
			}
		}
		last = s.SendReliable(ctx, endpoint, inner, corrID)
		if last.Success {
			return Result{
				Success:       true,
				CorrelationID: corrID,
				SessionID:     s.ID(),
				Retries:       last.Retries,
			}
		}
	}
	d.logger.Warn("all broadcast copies unacknowledged",
		slog.String("correlation_id", corrID),
		slog.String("session", s.ID()),
		slog.Int("copies", d.cfg.Broadcasts),
		slog.String("reason", last.Reason.String()),
	)
	return Result{CorrelationID: corrID, SessionID: s.ID(), Retries: last.Retries}
}

// scheduleRefresh issues a targeted state query in the background so
// the device's fresh broadcast lands within the refresh budget.
func (d *Dispatcher) scheduleRefresh(s Sender, endpoint [wire.EndpointSize]byte, meshTarget uint8, corrID string) {
	d.refreshWG.Add(1)
	start := time.Now()
	go func() {
		defer d.refreshWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RefreshBudget)
		defer cancel()

		res := s.SendReliable(ctx, endpoint, innerQuery(meshTarget), corrID)
		d.metrics.ObserveRefreshLatency(time.Since(start))
		if !res.Success {
			d.logger.Debug("post-command refresh unacknowledged",
				slog.String("correlation_id", corrID),
				slog.String("reason", res.Reason.String()),
			)
		}
	}()
}
