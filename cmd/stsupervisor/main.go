// Command stsupervisor runs and supervises the syncthing daemon.
//
// The serve subcommand keeps the daemon running as background work and
// exposes it over HTTP, WebSocket and MQTT. The other subcommands act on the
// host directly and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		var status exitStatusError
		if !errors.Is(err, context.Canceled) && !errors.As(err, &status) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitStatusError makes the process exit with the daemon's or shell's status.
type exitStatusError struct {
	code int
}

func (e exitStatusError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	var status exitStatusError
	if errors.As(err, &status) && status.code != 0 {
		return status.code
	}
	return 1
}
