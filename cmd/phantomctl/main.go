// cmd/phantomctl/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/phantomctl/cmd"
	"github.com/xkilldash9x/phantomctl/internal/observability"
)

// Replaced in tests.
var (
	osExit  = os.Exit
	stderr  = io.Writer(os.Stderr)
	execute = cmd.Execute
)

func main() {
	defer handlePanic()

	// SIGINT and SIGTERM cancel the context so open sessions are torn down.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(execute(ctx)))
}

// exitCode maps a command error to the process exit status. An interrupt
// is a clean exit.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}

// handlePanic flushes the logs and reports a panic before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()
	fmt.Fprintf(stderr, "panic: %v\n\n%s\n", r, debug.Stack())
	osExit(2)
}
