package server

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no background goroutine — coalescer flush
// timers, the awareness sweeper, snapshot scheduler runs — outlives
// its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
