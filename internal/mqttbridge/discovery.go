package mqttbridge

import (
	"encoding/json"
	"fmt"

	"github.com/cynclan/cyncd/internal/registry"
)

// -------------------------------------------------------------------------
// Discovery Documents
// -------------------------------------------------------------------------

// deviceBlock is the Home Assistant device registry block shared by all
// entities of one physical device or group.
type deviceBlock struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// availabilityRef points an entity at one availability topic.
type availabilityRef struct {
	Topic string `json:"topic"`
}

// discoveryDoc is a Home Assistant MQTT discovery config. Fields cover
// the light (json schema), switch, and fan components; omitempty keeps
// each component's document minimal.
type discoveryDoc struct {
	Name         string            `json:"name"`
	UniqueID     string            `json:"unique_id"`
	StateTopic   string            `json:"state_topic"`
	CommandTopic string            `json:"command_topic"`
	Availability []availabilityRef `json:"availability"`

	Device        deviceBlock `json:"device"`
	SuggestedArea string      `json:"suggested_area,omitempty"`

	// Light (json schema).
	Schema              string   `json:"schema,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`

	// Switch.
	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`

	// Fan.
	PercentageStateTopic   string `json:"percentage_state_topic,omitempty"`
	PercentageCommandTopic string `json:"percentage_command_topic,omitempty"`
}

const manufacturer = "GE Lighting"

// deviceDiscovery builds the component name and document for one device.
func (b *Bridge) deviceDiscovery(d registry.Device) (string, []byte, error) {
	uid := d.UniqueID()
	component := d.Caps.Schema()

	doc := discoveryDoc{
		Name:         d.Name,
		UniqueID:     uid,
		StateTopic:   b.stateTopic(targetDevice, uid),
		CommandTopic: b.commandTopic(targetDevice, uid),
		Availability: []availabilityRef{
			{Topic: b.availabilityTopic()},
			{Topic: b.entityAvailabilityTopic(uid)},
		},
		Device: deviceBlock{
			Identifiers:  []string{uid},
			Name:         d.Name,
			Manufacturer: manufacturer,
			Model:        fmt.Sprintf("Cync type %d", d.TypeCode),
			SwVersion:    d.Firmware,
		},
		SuggestedArea: d.Room,
	}

	switch component {
	case "light":
		b.fillLight(&doc, d.Caps)
	case "switch", "climate":
		// Thermostat control is not implemented; expose HVAC units as
		// switches so their reachability is still visible.
		component = "switch"
		doc.PayloadOn = "ON"
		doc.PayloadOff = "OFF"
	case "fan":
		doc.PercentageStateTopic = doc.StateTopic + "/percentage"
		doc.PercentageCommandTopic = doc.CommandTopic + "/percentage"
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("marshal discovery for %s: %w", uid, err)
	}
	return component, raw, nil
}

// groupDiscovery builds the discovery document for a group. Groups are
// exposed as json-schema lights with the union of member capabilities;
// the group name doubles as the suggested area.
func (b *Bridge) groupDiscovery(g registry.Group) (string, []byte, error) {
	uid := g.UniqueID()

	caps := registry.Capabilities(0)
	for _, id := range g.Members {
		if d, ok := b.registry.Device(id); ok {
			caps |= d.Caps
		}
	}

	doc := discoveryDoc{
		Name:         g.Name,
		UniqueID:     uid,
		StateTopic:   b.stateTopic(targetGroup, uid),
		CommandTopic: b.commandTopic(targetGroup, uid),
		Availability: []availabilityRef{
			{Topic: b.availabilityTopic()},
			{Topic: b.entityAvailabilityTopic(uid)},
		},
		Device: deviceBlock{
			Identifiers:  []string{uid},
			Name:         g.Name,
			Manufacturer: manufacturer,
			Model:        "Cync group",
		},
		SuggestedArea: g.Name,
	}

	component := "switch"
	if caps.Has(registry.CapBrightness) {
		component = "light"
		b.fillLight(&doc, caps)
	} else {
		doc.PayloadOn = "ON"
		doc.PayloadOff = "OFF"
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("marshal discovery for %s: %w", uid, err)
	}
	return component, raw, nil
}

// fillLight sets the json-schema light fields from the capability set.
func (b *Bridge) fillLight(doc *discoveryDoc, caps registry.Capabilities) {
	doc.Schema = "json"
	doc.Brightness = caps.Has(registry.CapBrightness)

	var modes []string
	if caps.Has(registry.CapColorTemp) {
		modes = append(modes, "color_temp")
		// Mireds invert Kelvin, so the warm bound comes from MinKelvin.
		doc.MinMireds = registry.KelvinToMired(b.maxKelvin)
		doc.MaxMireds = registry.KelvinToMired(b.minKelvin)
	}
	if caps.Has(registry.CapRGB) {
		modes = append(modes, "rgb")
	}
	if len(modes) == 0 && doc.Brightness {
		modes = []string{"brightness"}
	}
	doc.SupportedColorModes = modes
}
