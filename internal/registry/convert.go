package registry

// -------------------------------------------------------------------------
// Scale Conversions
// -------------------------------------------------------------------------

// MQTT and the devices disagree on every graded scale: home automation
// publishes brightness 0-255 and color temperature in Kelvin, the mesh
// speaks 0-100 for both. Conversions round to nearest and are lossless
// within rounding.

// Default Kelvin bounds for color-temperature mapping. Overridable via
// CYNC_MINK / CYNC_MAXK.
const (
	DefaultMinKelvin = 2000
	DefaultMaxKelvin = 7000
)

// BrightnessToDevice converts MQTT 0-255 brightness to the device's
// 0-100 scale.
func BrightnessToDevice(mqtt uint8) uint8 {
	return uint8((int(mqtt)*100 + 127) / 255) //nolint:gosec // G115: result is <= 100
}

// BrightnessToMQTT converts device 0-100 brightness to the MQTT 0-255
// scale. Values above 100 are clamped first.
func BrightnessToMQTT(dev uint8) uint8 {
	if dev > 100 {
		dev = 100
	}
	return uint8((int(dev)*255 + 50) / 100) //nolint:gosec // G115: result is <= 255
}

// KelvinToDevice maps a Kelvin value onto the device's 0-100
// color-temperature scale given the configured bounds. Out-of-range
// Kelvin clamps to the nearest bound; degenerate bounds yield 0.
func KelvinToDevice(kelvin, minK, maxK int) uint8 {
	if maxK <= minK {
		return 0
	}
	if kelvin < minK {
		kelvin = minK
	}
	if kelvin > maxK {
		kelvin = maxK
	}
	span := maxK - minK
	return uint8(((kelvin-minK)*100 + span/2) / span) //nolint:gosec // G115: result is <= 100
}

// DeviceToKelvin maps a device 0-100 color-temperature position back to
// Kelvin given the configured bounds.
func DeviceToKelvin(pos uint8, minK, maxK int) int {
	if maxK <= minK {
		return minK
	}
	if pos > 100 {
		pos = 100
	}
	return minK + (int(pos)*(maxK-minK)+50)/100
}

// MiredToKelvin converts the mired scale some subscribers publish into
// Kelvin. Zero mireds is invalid and maps to the hottest bound the
// caller should clamp against.
func MiredToKelvin(mired int) int {
	if mired <= 0 {
		return 0
	}
	return 1_000_000 / mired
}

// KelvinToMired converts Kelvin to mireds.
func KelvinToMired(kelvin int) int {
	if kelvin <= 0 {
		return 0
	}
	return 1_000_000 / kelvin
}
