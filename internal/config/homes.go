package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Homes Document
// -------------------------------------------------------------------------

// HomesDoc is the exported device inventory: one entry per vendor home,
// each with its mesh devices and groups. Produced once by the cloud
// export tool and read at daemon startup to seed the registry.
type HomesDoc struct {
	Homes []Home `yaml:"homes"`
}

// Home is one vendor home with its devices and groups.
type Home struct {
	// ID is the vendor home identifier, used as the UniqueID prefix.
	ID string `yaml:"id"`

	// Name is the home's display name (informational).
	Name string `yaml:"name"`

	Devices []HomeDevice `yaml:"devices"`
	Groups  []HomeGroup  `yaml:"groups"`
}

// HomeDevice is one mesh device from the export.
type HomeDevice struct {
	// ID is the device's mesh identifier (1-255).
	ID int `yaml:"id"`

	// Name is the display name from the vendor app.
	Name string `yaml:"name"`

	// Type is the vendor device type code; it determines capabilities.
	Type int `yaml:"type"`

	// MAC is the device's hardware address (informational).
	MAC string `yaml:"mac"`

	// Version is the firmware version string (informational).
	Version string `yaml:"version"`

	// Room is the vendor app room, used as the suggested area.
	Room string `yaml:"room"`
}

// HomeGroup is one device group from the export.
type HomeGroup struct {
	// ID is the group identifier (>= 32769 in vendor exports).
	ID int `yaml:"id"`

	// Name is the group's display name.
	Name string `yaml:"name"`

	// Members lists the mesh IDs of the group's devices.
	Members []int `yaml:"members"`
}

// Homes document errors.
var (
	// ErrNoHomes indicates the document contains no homes.
	ErrNoHomes = errors.New("homes document has no homes")

	// ErrBadDeviceID indicates a device mesh ID outside 1-255.
	ErrBadDeviceID = errors.New("device id must be in 1..255")

	// ErrBadGroupMember indicates a group references an unknown device.
	ErrBadGroupMember = errors.New("group member is not a device in the home")
)

// LoadHomes reads and validates the homes document at path.
func LoadHomes(path string) (*HomesDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read homes document: %w", err)
	}

	doc := &HomesDoc{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse homes document %s: %w", path, err)
	}

	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("validate homes document %s: %w", path, err)
	}

	return doc, nil
}

// validate checks mesh ID ranges and group membership referential
// integrity. Group IDs below the vendor's 32769 floor are accepted; some
// older exports number groups from 1.
func (d *HomesDoc) validate() error {
	if len(d.Homes) == 0 {
		return ErrNoHomes
	}

	for _, h := range d.Homes {
		ids := make(map[int]struct{}, len(h.Devices))
		for _, dev := range h.Devices {
			if dev.ID < 1 || dev.ID > 255 {
				return fmt.Errorf("home %s device %q: %w (got %d)",
					h.ID, dev.Name, ErrBadDeviceID, dev.ID)
			}
			ids[dev.ID] = struct{}{}
		}

		for _, g := range h.Groups {
			for _, m := range g.Members {
				if _, ok := ids[m]; !ok {
					return fmt.Errorf("home %s group %q member %d: %w",
						h.ID, g.Name, m, ErrBadGroupMember)
				}
			}
		}
	}

	return nil
}
