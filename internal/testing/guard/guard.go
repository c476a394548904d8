// Package guard switches binaries into test mode when imported from tests, so
// calling main does not dial PostgreSQL or Redis.
package guard

import (
	"os"
	"sync"
)

// Env is the variable app.InTestMode reads.
const Env = "STOCKLEDGER_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(Env) == "" {
			_ = os.Setenv(Env, "1")
		}
	})
}
