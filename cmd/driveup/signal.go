package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"driveup/internal/mirror"
)

// watchInterrupts trips stop on the first interrupt and cancels on the
// second. The returned func stops watching.
func watchInterrupts(cancel context.CancelFunc, stop *mirror.StopFlag) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		for count := 1; ; count++ {
			select {
			case <-sigs:
			case <-done:
				return
			}
			if count == 1 {
				fmt.Fprintln(os.Stderr, "\nStopping after the current file. Interrupt again to abort.")
				stop.Request()
				continue
			}
			fmt.Fprintln(os.Stderr, "\nAborting.")
			cancel()
			return
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
