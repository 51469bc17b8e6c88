package app

import (
	"os"
	"sync"
)

// TestModeEnv set to "1" makes both binaries exit before touching
// Postgres, Redis or the network.
const TestModeEnv = "SOLEDGIC_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether binaries should skip runtime side effects. The
// environment is read once per process.
func InTestMode() bool {
	return testMode()
}
