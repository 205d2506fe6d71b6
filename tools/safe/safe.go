package safe

import (
	"SyncCore/logger"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics in listeners don't crash the host process.
func SafeGo(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
