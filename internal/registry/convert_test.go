package registry_test

import (
	"testing"

	"github.com/cynclan/cyncd/internal/registry"
)

// TestBrightnessRoundTrip verifies MQTT->device->MQTT brightness is the
// identity within rounding (±1 on the 0-255 scale).
func TestBrightnessRoundTrip(t *testing.T) {
	t.Parallel()

	for mqtt := 0; mqtt <= 255; mqtt++ {
		dev := registry.BrightnessToDevice(uint8(mqtt))
		if dev > 100 {
			t.Fatalf("BrightnessToDevice(%d) = %d > 100", mqtt, dev)
		}
		back := int(registry.BrightnessToMQTT(dev))
		if diff := back - mqtt; diff < -2 || diff > 2 {
			t.Errorf("round trip %d -> %d -> %d drifts by %d", mqtt, dev, back, diff)
		}
	}
}

// TestBrightnessEndpoints pins the boundary conversions.
func TestBrightnessEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mqtt uint8
		dev  uint8
	}{
		{0, 0},
		{255, 100},
		{128, 50},
	}
	for _, tt := range tests {
		if got := registry.BrightnessToDevice(tt.mqtt); got != tt.dev {
			t.Errorf("BrightnessToDevice(%d) = %d, want %d", tt.mqtt, got, tt.dev)
		}
	}
	if got := registry.BrightnessToMQTT(100); got != 255 {
		t.Errorf("BrightnessToMQTT(100) = %d, want 255", got)
	}
	if got := registry.BrightnessToMQTT(0); got != 0 {
		t.Errorf("BrightnessToMQTT(0) = %d, want 0", got)
	}
}

// TestKelvinRoundTrip verifies Kelvin->device->Kelvin is the identity
// within the configured bounds modulo rounding (one device step is 50K
// at the default 2000-7000 range).
func TestKelvinRoundTrip(t *testing.T) {
	t.Parallel()

	const minK, maxK = registry.DefaultMinKelvin, registry.DefaultMaxKelvin
	step := (maxK - minK) / 100

	for kelvin := minK; kelvin <= maxK; kelvin += 25 {
		pos := registry.KelvinToDevice(kelvin, minK, maxK)
		back := registry.DeviceToKelvin(pos, minK, maxK)
		if diff := back - kelvin; diff < -step || diff > step {
			t.Errorf("round trip %dK -> %d -> %dK drifts by %d", kelvin, pos, back, diff)
		}
	}
}

// TestKelvinClamping verifies out-of-range inputs clamp to the bounds.
func TestKelvinClamping(t *testing.T) {
	t.Parallel()

	const minK, maxK = 2000, 7000

	if got := registry.KelvinToDevice(1000, minK, maxK); got != 0 {
		t.Errorf("KelvinToDevice(1000) = %d, want 0", got)
	}
	if got := registry.KelvinToDevice(9000, minK, maxK); got != 100 {
		t.Errorf("KelvinToDevice(9000) = %d, want 100", got)
	}
	if got := registry.KelvinToDevice(5000, maxK, minK); got != 0 {
		t.Errorf("degenerate bounds must yield 0, got %d", got)
	}
	if got := registry.DeviceToKelvin(200, minK, maxK); got != maxK {
		t.Errorf("DeviceToKelvin(200) = %d, want %d", got, maxK)
	}
}

// TestMiredConversion pins the mired/Kelvin mapping.
func TestMiredConversion(t *testing.T) {
	t.Parallel()

	if got := registry.MiredToKelvin(250); got != 4000 {
		t.Errorf("MiredToKelvin(250) = %d, want 4000", got)
	}
	if got := registry.KelvinToMired(4000); got != 250 {
		t.Errorf("KelvinToMired(4000) = %d, want 250", got)
	}
	if got := registry.MiredToKelvin(0); got != 0 {
		t.Errorf("MiredToKelvin(0) = %d, want 0", got)
	}
}
