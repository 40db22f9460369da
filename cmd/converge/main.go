package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/udohsolomon/converge/cmd/converge/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt cancels the pass gracefully; in-flight operations
	// finish and unstarted nodes end Interrupted. A second interrupt kills
	// the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		<-sigChan
		os.Exit(1)
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(commands.ExitCode(err))
}
