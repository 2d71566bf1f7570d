//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// watchResize calls fn whenever the local terminal is resized.
func watchResize(fn func()) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-c:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}
