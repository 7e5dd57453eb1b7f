// Package registry holds the authoritative in-process model of every
// device and group behind the bridge: identity, capability metadata,
// last known status, and group aggregation. All mutations go through the
// Registry; readers take consistent per-device snapshots.
package registry

import "strconv"

// -------------------------------------------------------------------------
// Capabilities
// -------------------------------------------------------------------------

// Capabilities is the bitset of features a device supports, derived from
// its vendor type code.
type Capabilities uint8

const (
	// CapOnOff means the device can be switched on and off.
	CapOnOff Capabilities = 1 << iota

	// CapBrightness means the device dims on a 0-100 scale.
	CapBrightness

	// CapColorTemp means the device tunes white on a 0-100 scale.
	CapColorTemp

	// CapRGB means the device renders full color.
	CapRGB

	// CapFanSpeed means the device is a fan controller; brightness-style
	// percentages map to its speed enum.
	CapFanSpeed

	// CapHVAC marks thermostat-class devices. Carried for completeness;
	// the bridge only relays their status.
	CapHVAC
)

// Has reports whether every capability in want is present.
func (c Capabilities) Has(want Capabilities) bool { return c&want == want }

// typeRange maps an inclusive vendor type-code range to a capability set.
type typeRange struct {
	lo, hi int
	caps   Capabilities
}

// typeRanges is the vendor type-code map. Codes come from captured
// device-list exports; unlisted codes fall back to plain on/off so an
// unrecognized device still gets a switch entity.
var typeRanges = []typeRange{
	{lo: 1, hi: 30, caps: CapOnOff},                                          // plugs, wired switches
	{lo: 31, hi: 54, caps: CapOnOff | CapBrightness},                         // dimmers
	{lo: 55, hi: 80, caps: CapOnOff | CapBrightness | CapColorTemp},          // tunable white bulbs
	{lo: 81, hi: 128, caps: CapOnOff | CapBrightness | CapColorTemp | CapRGB}, // full color bulbs and strips
	{lo: 129, hi: 136, caps: CapOnOff | CapFanSpeed},                         // fan controllers
	{lo: 137, hi: 144, caps: CapHVAC},                                        // thermostats
	{lo: 145, hi: 255, caps: CapOnOff | CapBrightness | CapColorTemp | CapRGB},
}

// CapabilitiesForType maps a vendor device type code to its capability
// set.
func CapabilitiesForType(typeCode int) Capabilities {
	for _, r := range typeRanges {
		if typeCode >= r.lo && typeCode <= r.hi {
			return r.caps
		}
	}
	return CapOnOff
}

// Schema returns the home-automation entity schema matching the
// capability set.
func (c Capabilities) Schema() string {
	switch {
	case c.Has(CapFanSpeed):
		return "fan"
	case c.Has(CapBrightness):
		return "light"
	case c.Has(CapHVAC):
		return "climate"
	default:
		return "switch"
	}
}

// -------------------------------------------------------------------------
// Device & Group Model
// -------------------------------------------------------------------------

// Status is a device's last known state. Brightness and Temperature are
// 0-100; color channels are 0-255. Whether a field is meaningful depends
// on the device's capabilities.
type Status struct {
	State       uint8
	Brightness  uint8
	Temperature uint8
	R, G, B     uint8

	// Online mirrors session reachability; OfflineCount counts
	// consecutive offline transitions and resets when marked offline.
	Online       bool
	OfflineCount int
}

// Device is one physical device in the mesh. Identity is
// (HomeID, CyncID); CyncID is the mesh-local address used on the wire.
type Device struct {
	HomeID   string
	CyncID   uint8
	Name     string
	TypeCode int
	MAC      string
	Firmware string
	Caps     Capabilities
	Status   Status

	// Room is the suggested area for discovery documents, derived from
	// the exported home layout.
	Room string
}

// UniqueID returns the stable external identifier used in MQTT topics
// and discovery documents.
func (d *Device) UniqueID() string {
	return d.HomeID + "-" + strconv.Itoa(int(d.CyncID))
}

// Attrs carries the mergeable device attributes for UpsertDevice. Empty
// strings and zero type codes leave the existing value untouched.
type Attrs struct {
	Name     string
	TypeCode int
	MAC      string
	Firmware string
	Room     string
}

// Group is a logical collection of devices. Commands to a group become a
// single mesh broadcast; its status is derived from member devices.
type Group struct {
	HomeID  string
	GroupID int
	Name    string
	Members []uint8
}

// UniqueID returns the stable external identifier for the group.
func (g *Group) UniqueID() string {
	return g.HomeID + "-" + strconv.Itoa(g.GroupID)
}

// AggregateStatus is a group's derived state per the aggregation rules:
// any-on semantics for state, means for the graded fields over online
// members that define them.
type AggregateStatus struct {
	State      uint8
	Brightness uint8

	Temperature    uint8
	HasTemperature bool

	R, G, B uint8
	HasRGB  bool

	// Available is false when the group has zero online members; such
	// groups publish state=0.
	Available bool
}
