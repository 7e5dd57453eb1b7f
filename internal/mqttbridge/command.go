package mqttbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cynclan/cyncd/internal/dispatch"
	"github.com/cynclan/cyncd/internal/registry"
)

// -------------------------------------------------------------------------
// Inbound Payloads
// -------------------------------------------------------------------------

// Payload errors.
var (
	ErrEmptyPayload = errors.New("empty command payload")
	ErrBadPayload   = errors.New("unusable command payload")
)

// setDoc is the accepted JSON command shape, a subset of the controller's
// json-schema light command. Fields stay untyped so registry value
// coercion decides what is acceptable.
type setDoc struct {
	State      any         `json:"state"`
	Brightness any         `json:"brightness"`
	ColorTemp  any         `json:"color_temp"`
	Color      *rgbPayload `json:"color"`
	Percentage any         `json:"percentage"`
}

// parseSetPayload turns one message into an ordered command list. Power
// goes first so "turn on dimmed" lands as on-then-dim; color precedes
// brightness to match how the vendor app sequences scene changes.
//
// Accepted forms: a JSON object, a bare state string ("ON", "off", "1"),
// or a bare number on a percentage topic.
func parseSetPayload(raw []byte, extra string) ([]dispatch.Command, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	if extra == extraPercentage {
		pct, err := coerceInt(string(raw), 0, 100)
		if err != nil {
			return nil, fmt.Errorf("percentage: %w", err)
		}
		return []dispatch.Command{{Kind: dispatch.SetFanSpeed, Percent: uint8(pct)}}, nil
	}

	if raw[0] != '{' {
		state, err := coerceState(string(bytes.Trim(raw, `"`)))
		if err != nil {
			return nil, err
		}
		return []dispatch.Command{{Kind: dispatch.SetPower, On: state != 0}}, nil
	}

	doc := setDoc{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	var cmds []dispatch.Command

	if doc.State != nil {
		state, err := coerceState(doc.State)
		if err != nil {
			return nil, fmt.Errorf("state: %w", err)
		}
		cmds = append(cmds, dispatch.Command{Kind: dispatch.SetPower, On: state != 0})
	}

	if doc.ColorTemp != nil {
		mired, err := coerceInt(doc.ColorTemp, 1, 1000)
		if err != nil {
			return nil, fmt.Errorf("color_temp: %w", err)
		}
		cmds = append(cmds, dispatch.Command{
			Kind:   dispatch.SetColorTemp,
			Kelvin: registry.MiredToKelvin(int(mired)),
		})
	}

	if doc.Color != nil {
		cmds = append(cmds, dispatch.Command{
			Kind: dispatch.SetRGB,
			R:    doc.Color.R, G: doc.Color.G, B: doc.Color.B,
		})
	}

	if doc.Brightness != nil {
		mqttLevel, err := coerceInt(doc.Brightness, 0, 255)
		if err != nil {
			return nil, fmt.Errorf("brightness: %w", err)
		}
		cmds = append(cmds, dispatch.Command{
			Kind:       dispatch.SetBrightness,
			Brightness: registry.BrightnessToDevice(uint8(mqttLevel)),
		})
	}

	if doc.Percentage != nil {
		pct, err := coerceInt(doc.Percentage, 0, 100)
		if err != nil {
			return nil, fmt.Errorf("percentage: %w", err)
		}
		cmds = append(cmds, dispatch.Command{Kind: dispatch.SetFanSpeed, Percent: uint8(pct)})
	}

	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: no recognized fields", ErrBadPayload)
	}
	return cmds, nil
}

// coerceState canonicalizes a raw state value to {0, 1}.
func coerceState(raw any) (uint8, error) {
	v, err := registry.Coerce(raw)
	if err != nil {
		return 0, err
	}
	return v.CanonicalState()
}

// coerceInt coerces a raw value to an integer within [lo, hi].
func coerceInt(raw any, lo, hi int64) (int64, error) {
	v, err := registry.Coerce(raw)
	if err != nil {
		return 0, err
	}
	n, err := v.Int()
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d outside %d..%d", registry.ErrBadValue, n, lo, hi)
	}
	return n, nil
}
