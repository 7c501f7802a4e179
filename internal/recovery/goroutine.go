package recovery

import (
	"runtime/debug"

	"github.com/ccui-dev/ccui/internal/logger"
)

// SafeGo runs fn in a goroutine and recovers any panic so a single session
// cannot take the server down.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly via defer.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("🚨 panic recovered")
	}
}
