package config_test

import (
	"errors"
	"testing"

	"github.com/cynclan/cyncd/internal/config"
)

const sampleHomes = `
homes:
  - id: "842917"
    name: "House"
    devices:
      - id: 1
        name: "Kitchen Ceiling"
        type: 81
        mac: "AA:BB:CC:DD:EE:01"
        version: "3.2.1"
        room: "Kitchen"
      - id: 2
        name: "Kitchen Counter"
        type: 55
        mac: "AA:BB:CC:DD:EE:02"
        version: "3.2.1"
        room: "Kitchen"
      - id: 7
        name: "Porch"
        type: 6
        mac: "AA:BB:CC:DD:EE:07"
        version: "2.9.0"
    groups:
      - id: 32769
        name: "Kitchen"
        members: [1, 2]
`

func TestLoadHomes(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, sampleHomes)

	doc, err := config.LoadHomes(path)
	if err != nil {
		t.Fatalf("LoadHomes(%q) error: %v", path, err)
	}

	if len(doc.Homes) != 1 {
		t.Fatalf("len(Homes) = %d, want 1", len(doc.Homes))
	}

	h := doc.Homes[0]
	if h.ID != "842917" {
		t.Errorf("Home.ID = %q, want %q", h.ID, "842917")
	}

	if len(h.Devices) != 3 {
		t.Fatalf("len(Devices) = %d, want 3", len(h.Devices))
	}

	d := h.Devices[0]
	if d.ID != 1 || d.Type != 81 || d.Room != "Kitchen" {
		t.Errorf("device[0] = %+v, want id 1 type 81 room Kitchen", d)
	}

	if len(h.Groups) != 1 {
		t.Fatalf("len(Groups) = %d, want 1", len(h.Groups))
	}

	g := h.Groups[0]
	if g.ID != 32769 || g.Name != "Kitchen" {
		t.Errorf("group[0] = %+v, want id 32769 name Kitchen", g)
	}
	if len(g.Members) != 2 || g.Members[0] != 1 || g.Members[1] != 2 {
		t.Errorf("group members = %v, want [1 2]", g.Members)
	}
}

func TestLoadHomesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "empty document",
			yaml:    "homes: []\n",
			wantErr: config.ErrNoHomes,
		},
		{
			name: "device id out of range",
			yaml: `
homes:
  - id: "h1"
    devices:
      - id: 300
        name: "Bad"
`,
			wantErr: config.ErrBadDeviceID,
		},
		{
			name: "zero device id",
			yaml: `
homes:
  - id: "h1"
    devices:
      - id: 0
        name: "Bad"
`,
			wantErr: config.ErrBadDeviceID,
		},
		{
			name: "group member not in home",
			yaml: `
homes:
  - id: "h1"
    devices:
      - id: 1
        name: "Lamp"
    groups:
      - id: 32769
        name: "Room"
        members: [1, 9]
`,
			wantErr: config.ErrBadGroupMember,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeTemp(t, tt.yaml)

			_, err := config.LoadHomes(path)
			if err == nil {
				t.Fatal("LoadHomes() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("LoadHomes() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadHomesNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.LoadHomes("/nonexistent/homes.yaml")
	if err == nil {
		t.Fatal("LoadHomes() returned nil error for nonexistent file")
	}
}
