package cmd

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// Process exit codes.
const (
	ExitPassed    = 0
	ExitErrored   = 1
	ExitExhausted = 3
)

// ExitError carries a non-zero exit code for a run that completed without passing.
// The summary has already been printed when it is returned.
type ExitError struct {
	Code   int
	Result schemas.RunResult
	Reason schemas.StopReason
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run %s (%s)", e.Result, e.Reason)
}

// exitCodeFor maps a terminal run result onto the process exit code.
func exitCodeFor(result schemas.RunResult) int {
	switch result {
	case schemas.ResultPassed:
		return ExitPassed
	case schemas.ResultExhausted:
		return ExitExhausted
	default:
		return ExitErrored
	}
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitPassed
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitErrored
}
