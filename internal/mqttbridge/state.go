package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cynclan/cyncd/internal/registry"
)

// -------------------------------------------------------------------------
// Retained State
// -------------------------------------------------------------------------

// rgbPayload is the json-schema light color object.
type rgbPayload struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// statePayload is the retained json-schema light state.
type statePayload struct {
	State      string      `json:"state"`
	Brightness uint8       `json:"brightness,omitempty"`
	ColorTemp  int         `json:"color_temp,omitempty"`
	Color      *rgbPayload `json:"color,omitempty"`
}

func onOff(state uint8) string {
	if state != 0 {
		return "ON"
	}
	return "OFF"
}

// deviceState renders a device's retained state payload. Lights get the
// json schema; switches and fans get a bare ON/OFF.
func (b *Bridge) deviceState(d registry.Device) ([]byte, error) {
	if !d.Caps.Has(registry.CapBrightness) {
		return []byte(onOff(d.Status.State)), nil
	}

	p := statePayload{
		State:      onOff(d.Status.State),
		Brightness: registry.BrightnessToMQTT(d.Status.Brightness),
	}
	if d.Caps.Has(registry.CapColorTemp) {
		p.ColorTemp = registry.KelvinToMired(
			registry.DeviceToKelvin(d.Status.Temperature, b.minKelvin, b.maxKelvin))
	}
	if d.Caps.Has(registry.CapRGB) {
		p.Color = &rgbPayload{R: d.Status.R, G: d.Status.G, B: d.Status.B}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal state for %s: %w", d.UniqueID(), err)
	}
	return raw, nil
}

// groupState renders a group's retained state from its aggregate.
func (b *Bridge) groupState(agg registry.AggregateStatus, light bool) ([]byte, error) {
	if !light {
		return []byte(onOff(agg.State)), nil
	}

	p := statePayload{
		State:      onOff(agg.State),
		Brightness: registry.BrightnessToMQTT(agg.Brightness),
	}
	if agg.HasTemperature {
		p.ColorTemp = registry.KelvinToMired(
			registry.DeviceToKelvin(agg.Temperature, b.minKelvin, b.maxKelvin))
	}
	if agg.HasRGB {
		p.Color = &rgbPayload{R: agg.R, G: agg.G, B: agg.B}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal group state: %w", err)
	}
	return raw, nil
}

// -------------------------------------------------------------------------
// Registry Watcher
// -------------------------------------------------------------------------
//
// The registry invokes these in update order per device, so retained
// state on the broker converges to the registry's view.

// OnDeviceAdded publishes the discovery document, availability, and
// initial state for a new device.
func (b *Bridge) OnDeviceAdded(d registry.Device) {
	b.publishDeviceDiscovery(d)
	b.publishDeviceState(d)
}

// OnDeviceChanged publishes availability and retained state.
func (b *Bridge) OnDeviceChanged(d registry.Device) {
	b.publishDeviceState(d)
}

// OnGroupAdded publishes the group's discovery document and state.
func (b *Bridge) OnGroupAdded(g registry.Group, agg registry.AggregateStatus) {
	b.publishGroupDiscovery(g)
	b.publishGroupState(g, agg)
}

// OnGroupChanged publishes the group's availability and state.
func (b *Bridge) OnGroupChanged(g registry.Group, agg registry.AggregateStatus) {
	b.publishGroupState(g, agg)
}

func (b *Bridge) publishDeviceDiscovery(d registry.Device) {
	component, doc, err := b.deviceDiscovery(d)
	if err != nil {
		b.logger.Error("build discovery document", "device", d.UniqueID(), "error", err)
		return
	}
	b.publish(b.discoveryTopic(component, d.UniqueID()), 1, true, doc)
}

func (b *Bridge) publishDeviceState(d registry.Device) {
	uid := d.UniqueID()

	avail := "offline"
	if d.Status.Online {
		avail = "online"
	}
	b.publish(b.entityAvailabilityTopic(uid), 1, true, []byte(avail))

	raw, err := b.deviceState(d)
	if err != nil {
		b.logger.Error("build state payload", "device", uid, "error", err)
		return
	}
	b.publish(b.stateTopic(targetDevice, uid), 0, true, raw)

	if d.Caps.Has(registry.CapFanSpeed) {
		pct := strconv.Itoa(int(d.Status.Brightness))
		b.publish(b.stateTopic(targetDevice, uid)+"/percentage", 0, true, []byte(pct))
	}
}

func (b *Bridge) publishGroupDiscovery(g registry.Group) {
	component, doc, err := b.groupDiscovery(g)
	if err != nil {
		b.logger.Error("build discovery document", "group", g.UniqueID(), "error", err)
		return
	}
	b.publish(b.discoveryTopic(component, g.UniqueID()), 1, true, doc)
}

func (b *Bridge) publishGroupState(g registry.Group, agg registry.AggregateStatus) {
	uid := g.UniqueID()

	avail := "offline"
	if agg.Available {
		avail = "online"
	}
	b.publish(b.entityAvailabilityTopic(uid), 1, true, []byte(avail))

	light := false
	for _, id := range g.Members {
		if d, ok := b.registry.Device(id); ok && d.Caps.Has(registry.CapBrightness) {
			light = true
			break
		}
	}

	raw, err := b.groupState(agg, light)
	if err != nil {
		b.logger.Error("build state payload", "group", uid, "error", err)
		return
	}
	b.publish(b.stateTopic(targetGroup, uid), 0, true, raw)
}
