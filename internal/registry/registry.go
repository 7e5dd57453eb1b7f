package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

// Sentinel errors for registry operations.
var (
	// ErrUnknownDevice indicates no device with the given mesh ID exists.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrUnknownGroup indicates no group with the given ID exists.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrValidation indicates a status value outside its declared range.
	// The update is dropped without mutation.
	ErrValidation = errors.New("status validation failed")
)

// -------------------------------------------------------------------------
// Watchers
// -------------------------------------------------------------------------

// Watcher observes registry changes. Callbacks run on the registry's
// single notifier goroutine, so for any one device they arrive in
// update order. Callbacks may perform I/O; they never run under the
// registry lock.
type Watcher interface {
	OnDeviceAdded(d Device)
	OnDeviceChanged(d Device)
	OnGroupAdded(g Group, agg AggregateStatus)
	OnGroupChanged(g Group, agg AggregateStatus)
}

// StatusDelta carries the optional fields of a status update. Nil
// fields are left untouched.
type StatusDelta struct {
	State       *uint8
	Brightness  *uint8
	Temperature *uint8
	RGB         *[3]uint8
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry is the process-wide device and group model. Writes are
// serialized by a mutex whose critical sections never perform I/O;
// watcher notifications are queued and delivered in order by a
// dedicated goroutine.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[uint8]*Device
	groups  map[int]*Group

	// defaultHome names devices auto-created from broadcasts that
	// reference IDs missing from the exported document.
	defaultHome string

	// lockObserver, when set, receives the write critical-section hold
	// time of every status update.
	lockObserver func(time.Duration)

	watcherMu sync.RWMutex
	watchers  []Watcher

	// Notification queue: unbounded FIFO drained by the notifier
	// goroutine. Enqueueing happens while holding mu, which is what
	// guarantees per-device ordering.
	queueMu sync.Mutex
	queueCd *sync.Cond
	queue   []func()
	closed  bool
	done    chan struct{}
}

// New creates a registry and starts its notifier goroutine. Close must
// be called to stop it.
func New(logger *slog.Logger) *Registry {
	r := &Registry{
		logger:      logger,
		devices:     make(map[uint8]*Device),
		groups:      make(map[int]*Group),
		defaultHome: "cync",
		done:        make(chan struct{}),
	}
	r.queueCd = sync.NewCond(&r.queueMu)
	go r.notifyLoop()
	return r
}

// SetDefaultHome sets the home ID used for auto-created devices. Call
// before serving traffic.
func (r *Registry) SetDefaultHome(homeID string) {
	if homeID == "" {
		return
	}
	r.mu.Lock()
	r.defaultHome = homeID
	r.mu.Unlock()
}

// SetLockObserver installs a hook receiving write critical-section
// hold times. Call before serving traffic.
func (r *Registry) SetLockObserver(fn func(time.Duration)) {
	r.lockObserver = fn
}

// Watch registers a watcher. Registration is expected at startup.
func (r *Registry) Watch(w Watcher) {
	if w == nil {
		return
	}
	r.watcherMu.Lock()
	r.watchers = append(r.watchers, w)
	r.watcherMu.Unlock()
}

// Close stops the notifier goroutine after draining queued events.
func (r *Registry) Close() {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.queueCd.Signal()
	r.queueMu.Unlock()
	<-r.done
}

// enqueue appends a notification. Caller holds r.mu, which orders
// events for the same device.
func (r *Registry) enqueue(fn func()) {
	r.queueMu.Lock()
	if !r.closed {
		r.queue = append(r.queue, fn)
		r.queueCd.Signal()
	}
	r.queueMu.Unlock()
}

// notifyLoop drains the queue in FIFO order.
func (r *Registry) notifyLoop() {
	defer close(r.done)
	for {
		r.queueMu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.queueCd.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.queueMu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.queueMu.Unlock()
		fn()
	}
}

// snapshotWatchers returns the current watcher list.
func (r *Registry) snapshotWatchers() []Watcher {
	r.watcherMu.RLock()
	defer r.watcherMu.RUnlock()
	return r.watchers
}

func (r *Registry) notifyDeviceAdded(d Device) {
	ws := r.snapshotWatchers()
	r.enqueue(func() {
		for _, w := range ws {
			w.OnDeviceAdded(d)
		}
	})
}

func (r *Registry) notifyDeviceChanged(d Device) {
	ws := r.snapshotWatchers()
	r.enqueue(func() {
		for _, w := range ws {
			w.OnDeviceChanged(d)
		}
	})
}

func (r *Registry) notifyGroupAdded(g Group, agg AggregateStatus) {
	ws := r.snapshotWatchers()
	r.enqueue(func() {
		for _, w := range ws {
			w.OnGroupAdded(g, agg)
		}
	})
}

func (r *Registry) notifyGroupChanged(g Group, agg AggregateStatus) {
	ws := r.snapshotWatchers()
	r.enqueue(func() {
		for _, w := range ws {
			w.OnGroupChanged(g, agg)
		}
	})
}

// -------------------------------------------------------------------------
// Device Operations
// -------------------------------------------------------------------------

// UpsertDevice creates or merges a device record. Empty attribute
// fields leave existing values untouched. Returns the post-merge
// snapshot.
func (r *Registry) UpsertDevice(homeID string, cyncID uint8, attrs Attrs) Device {
	r.mu.Lock()

	d, exists := r.devices[cyncID]
	if !exists {
		d = &Device{HomeID: homeID, CyncID: cyncID, Caps: CapOnOff}
		r.devices[cyncID] = d
	}
	if homeID != "" {
		d.HomeID = homeID
	}
	if attrs.Name != "" {
		d.Name = attrs.Name
	}
	if attrs.TypeCode != 0 {
		d.TypeCode = attrs.TypeCode
		d.Caps = CapabilitiesForType(attrs.TypeCode)
	}
	if attrs.MAC != "" {
		d.MAC = attrs.MAC
	}
	if attrs.Firmware != "" {
		d.Firmware = attrs.Firmware
	}
	if attrs.Room != "" {
		d.Room = attrs.Room
	}
	snap := *d

	if exists {
		r.notifyDeviceChanged(snap)
	} else {
		r.notifyDeviceAdded(snap)
	}
	r.mu.Unlock()
	return snap
}

// UpdateStatus applies a validated status delta. Out-of-range values
// reject the whole delta without mutation. A broadcast for an unknown
// mesh ID creates a minimal device record first. A status update
// implies the device is online.
func (r *Registry) UpdateStatus(cyncID uint8, delta StatusDelta) error {
	if err := validateDelta(delta); err != nil {
		r.logger.Warn("dropping invalid status update",
			slog.Int("cync_id", int(cyncID)),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.mu.Lock()
	if r.lockObserver != nil {
		start := time.Now()
		defer func() { r.lockObserver(time.Since(start)) }()
	}

	d, exists := r.devices[cyncID]
	if !exists {
		d = &Device{
			HomeID: r.defaultHome,
			CyncID: cyncID,
			Name:   fmt.Sprintf("device-%d", cyncID),
			Caps:   CapOnOff,
		}
		r.devices[cyncID] = d
		r.notifyDeviceAdded(*d)
	}

	if delta.State != nil {
		d.Status.State = *delta.State
	}
	if delta.Brightness != nil {
		d.Status.Brightness = *delta.Brightness
	}
	if delta.Temperature != nil {
		d.Status.Temperature = *delta.Temperature
	}
	if delta.RGB != nil {
		d.Status.R, d.Status.G, d.Status.B = delta.RGB[0], delta.RGB[1], delta.RGB[2]
	}
	d.Status.Online = true

	r.notifyDeviceChanged(*d)
	r.notifyMemberGroupsLocked(cyncID)
	r.mu.Unlock()
	return nil
}

// validateDelta checks every present field against its declared range.
func validateDelta(delta StatusDelta) error {
	if delta.State != nil && *delta.State > 1 {
		return fmt.Errorf("%w: state %d outside {0,1}", ErrValidation, *delta.State)
	}
	if delta.Brightness != nil && *delta.Brightness > 100 {
		return fmt.Errorf("%w: brightness %d > 100", ErrValidation, *delta.Brightness)
	}
	if delta.Temperature != nil && *delta.Temperature > 100 {
		return fmt.Errorf("%w: temperature %d > 100", ErrValidation, *delta.Temperature)
	}
	// RGB channels span the full byte range; nothing to check.
	return nil
}

// MarkOnline flags the device reachable.
func (r *Registry) MarkOnline(cyncID uint8) error {
	return r.setOnline(cyncID, true)
}

// MarkOffline flags the device unreachable and resets its offline
// counter.
func (r *Registry) MarkOffline(cyncID uint8) error {
	return r.setOnline(cyncID, false)
}

func (r *Registry) setOnline(cyncID uint8, online bool) error {
	r.mu.Lock()
	d, ok := r.devices[cyncID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: cync_id %d", ErrUnknownDevice, cyncID)
	}
	if d.Status.Online == online {
		r.mu.Unlock()
		return nil
	}
	d.Status.Online = online
	if !online {
		d.Status.OfflineCount = 0
	}
	r.notifyDeviceChanged(*d)
	r.notifyMemberGroupsLocked(cyncID)
	r.mu.Unlock()
	return nil
}

// Device returns a snapshot of the device with the given mesh ID.
func (r *Registry) Device(cyncID uint8) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[cyncID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices returns snapshots of every device, ordered by mesh ID.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CyncID < out[j].CyncID })
	return out
}

// -------------------------------------------------------------------------
// Group Operations
// -------------------------------------------------------------------------

// UpsertGroup creates or replaces a group definition.
func (r *Registry) UpsertGroup(homeID string, groupID int, name string, members []uint8) Group {
	r.mu.Lock()

	g, exists := r.groups[groupID]
	if !exists {
		g = &Group{HomeID: homeID, GroupID: groupID}
		r.groups[groupID] = g
	}
	if homeID != "" {
		g.HomeID = homeID
	}
	if name != "" {
		g.Name = name
	}
	g.Members = append([]uint8(nil), members...)
	snap := *g
	snap.Members = append([]uint8(nil), g.Members...)

	agg := r.aggregateLocked(g)
	if exists {
		r.notifyGroupChanged(snap, agg)
	} else {
		r.notifyGroupAdded(snap, agg)
	}
	r.mu.Unlock()
	return snap
}

// Group returns a snapshot of the group with the given ID.
func (r *Registry) Group(groupID int) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return Group{}, false
	}
	snap := *g
	snap.Members = append([]uint8(nil), g.Members...)
	return snap, true
}

// Groups returns snapshots of every group, ordered by ID.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		snap := *g
		snap.Members = append([]uint8(nil), g.Members...)
		out = append(out, snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// Aggregate returns the group's derived status.
func (r *Registry) Aggregate(groupID int) (AggregateStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return AggregateStatus{}, fmt.Errorf("%w: group_id %d", ErrUnknownGroup, groupID)
	}
	return r.aggregateLocked(g), nil
}

// aggregateLocked derives group status from online members only. Pure
// over the current snapshot: same inputs, same output.
func (r *Registry) aggregateLocked(g *Group) AggregateStatus {
	var (
		agg        AggregateStatus
		briSum     int
		briCount   int
		tempSum    int
		tempCount  int
		rSum, gSum int
		bSum       int
		rgbCount   int
	)

	for _, id := range g.Members {
		d, ok := r.devices[id]
		if !ok || !d.Status.Online {
			continue
		}
		agg.Available = true
		if d.Status.State == 1 {
			agg.State = 1
		}
		if d.Caps.Has(CapBrightness) {
			briSum += int(d.Status.Brightness)
			briCount++
		}
		if d.Caps.Has(CapColorTemp) {
			tempSum += int(d.Status.Temperature)
			tempCount++
		}
		if d.Caps.Has(CapRGB) {
			rSum += int(d.Status.R)
			gSum += int(d.Status.G)
			bSum += int(d.Status.B)
			rgbCount++
		}
	}

	if briCount > 0 {
		agg.Brightness = uint8(briSum / briCount) //nolint:gosec // G115: mean of 0-100 values
	}
	if tempCount > 0 {
		agg.HasTemperature = true
		agg.Temperature = uint8(tempSum / tempCount) //nolint:gosec // G115: mean of 0-100 values
	}
	if rgbCount > 0 {
		agg.HasRGB = true
		agg.R = uint8(rSum / rgbCount) //nolint:gosec // G115: mean of bytes
		agg.G = uint8(gSum / rgbCount) //nolint:gosec // G115: mean of bytes
		agg.B = uint8(bSum / rgbCount) //nolint:gosec // G115: mean of bytes
	}
	return agg
}

// GroupsForDevice returns snapshots of every group containing the
// device.
func (r *Registry) GroupsForDevice(cyncID uint8) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Group
	for _, g := range r.groups {
		for _, id := range g.Members {
			if id == cyncID {
				snap := *g
				snap.Members = append([]uint8(nil), g.Members...)
				out = append(out, snap)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// notifyMemberGroupsLocked queues a group-changed event for every group
// containing the device. Caller holds r.mu.
func (r *Registry) notifyMemberGroupsLocked(cyncID uint8) {
	for _, g := range r.groups {
		for _, id := range g.Members {
			if id != cyncID {
				continue
			}
			snap := *g
			snap.Members = append([]uint8(nil), g.Members...)
			r.notifyGroupChanged(snap, r.aggregateLocked(g))
			break
		}
	}
}
