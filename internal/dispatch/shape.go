package dispatch

import "github.com/cynclan/cyncd/internal/wire"

// -------------------------------------------------------------------------
// Command Shaping
// -------------------------------------------------------------------------

// High-level MQTT intent is translated here into the inner payload of a
// 0x73 frame. Opcodes and the inner-header constant mirror captured
// cloud traffic; they are empirical, not documented by the vendor.

// Mesh opcodes.
const (
	opPower      = 0xD0
	opBrightness = 0xD2
	opColor      = 0xE2
	opQuery      = 0x52
)

// Color sub-modes for opColor.
const (
	colorModeRGB  = 0x04
	colorModeTemp = 0x05
)

// queryArg is the subcommand byte observed in captured state queries.
const queryArg = 0x06

// innerHeader is the constant 5-byte prefix of every command's inner
// structure.
var innerHeader = [5]byte{0x00, 0x00, 0x00, 0x00, 0xF8}

// shapeInner builds an inner payload from the header and data bytes.
func shapeInner(data ...byte) []byte {
	inner := make([]byte, 0, len(innerHeader)+len(data))
	inner = append(inner, innerHeader[:]...)
	return append(inner, data...)
}

// innerPower shapes an on/off command for the target mesh address.
func innerPower(target uint8, on bool) []byte {
	v := byte(0x00)
	if on {
		v = 0x01
	}
	return shapeInner(target, opPower, v)
}

// innerBrightness shapes a 0-100 brightness command.
func innerBrightness(target, level uint8) []byte {
	return shapeInner(target, opBrightness, level)
}

// innerColorTemp shapes a tunable-white command with a 0-100 position.
func innerColorTemp(target, pos uint8) []byte {
	return shapeInner(target, opColor, colorModeTemp, pos)
}

// innerRGB shapes a full-color command.
func innerRGB(target, r, g, b uint8) []byte {
	return shapeInner(target, opColor, colorModeRGB, r, g, b)
}

// innerQuery shapes a targeted state query used by the post-command
// refresh watchdog.
func innerQuery(target uint8) []byte {
	return shapeInner(target, opQuery, queryArg)
}

// FanSpeedLevel maps a 0-100 percentage onto the fan speed enum,
// expressed as the brightness-style level the controller expects.
// Zero percent is off.
func FanSpeedLevel(percent uint8) uint8 {
	switch {
	case percent == 0:
		return 0
	case percent <= 25:
		return 25
	case percent <= 50:
		return 50
	case percent <= 75:
		return 75
	default:
		return 100
	}
}

// deviceEndpoint builds the wire endpoint for a single device.
func deviceEndpoint(cyncID uint8) [wire.EndpointSize]byte {
	return [wire.EndpointSize]byte{0x00, 0x00, 0x00, 0x00, cyncID}
}

// groupEndpoint builds the wire endpoint for a mesh-group broadcast.
// The leading 0x01 marks the group address space; the group ID rides in
// bytes 1-2 big-endian.
func groupEndpoint(groupID int) [wire.EndpointSize]byte {
	return [wire.EndpointSize]byte{
		0x01,
		byte(groupID >> 8), //nolint:gosec // G115: group IDs fit uint16
		byte(groupID),      //nolint:gosec // G115
		0x00, 0x00,
	}
}

// groupTarget is the mesh address byte used in group-broadcast inner
// payloads; the mesh resolves it against the endpoint's group ID.
const groupTarget = 0xFF
