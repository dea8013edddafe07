package config

import (
	"os"
	"os/signal"
	"syscall"
)

// WatchReloadSignal calls reload every time the process receives
// SIGHUP, mirroring the teacher's own config-reload-on-SIGHUP wiring
// in its daemon entrypoint. The returned stop function stops listening.
func WatchReloadSignal(reload func()) (stop func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				if reload != nil {
					reload()
				}
			case <-done:
				signal.Stop(sig)
				return
			}
		}
	}()

	return func() { close(done) }
}
