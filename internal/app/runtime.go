package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// testModeEnv marks a process started under go test. Binaries then return
// before dialing Postgres or Redis and before the startup policy sync.
const testModeEnv = "ODYSSEY_TEST_MODE"

var testMode struct {
	once sync.Once
	on   atomic.Bool
}

func readTestMode() {
	on, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(testModeEnv)))
	testMode.on.Store(on)
}

// InTestMode reports whether binaries should skip their runtime side effects.
func InTestMode() bool {
	testMode.once.Do(readTestMode)
	return testMode.on.Load()
}

// RefreshTestMode re-reads the flag after the environment changed.
func RefreshTestMode() {
	testMode.once.Do(func() {})
	readTestMode()
}
