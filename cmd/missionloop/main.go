package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/missionloop/cmd"
	"github.com/xkilldash9x/missionloop/internal/observability"
)

const panicLogFile = "missionloop-panic.log"

// Replaced in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	execute     = cmd.Execute
)

func main() {
	defer handlePanic()

	// SIGINT/SIGTERM cancel the run; the controller still seals the run directory.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx)
	observability.Sync()
	osExit(code)
}

// run executes the command tree and maps the outcome to a process exit code.
func run(ctx context.Context) int {
	return cmd.ExitCode(execute(ctx))
}

func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(cmd.ExitErrored)
		return
	}
	fmt.Fprintf(os.Stderr, "missionloop crashed. Details logged to %s\n", panicLogFile)
	osExit(cmd.ExitErrored)
}
