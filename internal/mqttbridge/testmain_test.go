package mqttbridge_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete; a leak
// means a bridge or registry left background work running.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
