// internal/target/runner.go
package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError describes a command that could not be started or exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("%s failed to run", e.Command)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Dir string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	cerr := &CommandError{
		Command:  name,
		ExitCode: -1,
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	return out, cerr
}

// exitCode extracts the exit status from a runner error, or -1 when there is none.
func exitCode(err error) int {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.ExitCode
	}
	return -1
}

// hasherPool keeps FNV hashers for element fingerprints.
var hasherPool = sync.Pool{
	New: func() interface{} {
		return fnv.New64a()
	},
}

// fingerprint hashes a descriptive string into a short stable identifier.
func fingerprint(prefix, description string) string {
	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(description))
	return prefix + strconv.FormatUint(hasher.Sum64(), 16)
}

// idAllocator disambiguates identical fingerprints within one enumeration.
type idAllocator map[string]int

func (a idAllocator) next(id string) string {
	a[id]++
	if n := a[id]; n > 1 {
		return fmt.Sprintf("%s-%d", id, n)
	}
	return id
}
