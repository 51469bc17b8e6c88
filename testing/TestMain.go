package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("SOLEDGIC_TEST_MODE", "1")
		if os.Getenv("APP_ENV") == "" {
			_ = os.Setenv("APP_ENV", "test")
		}
		// Integration tests opt in with SOLEDGIC_TEST_PG_DSN; never fall
		// through to a developer's default database.
		_ = os.Unsetenv("PG_DSN")
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
