package target

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{}

	out, err := r.Run(context.Background(), "sh", "-c", "printf hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	var cerr *CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Equal(t, "broken", cerr.Stderr)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "missionloop-no-such-binary")
	require.Error(t, err)
	assert.Equal(t, -1, exitCode(err))
	assert.Contains(t, err.Error(), "failed to run")
}

func TestExitCode_NonCommandError(t *testing.T) {
	assert.Equal(t, -1, exitCode(errors.New("plain")))
}

func TestFingerprint(t *testing.T) {
	a := fingerprint("el-", "button#ok")
	assert.Equal(t, a, fingerprint("el-", "button#ok"))
	assert.NotEqual(t, a, fingerprint("el-", "button#cancel"))

	ids := idAllocator{}
	assert.Equal(t, "x", ids.next("x"))
	assert.Equal(t, "x-2", ids.next("x"))
	assert.Equal(t, "y", ids.next("y"))
}
