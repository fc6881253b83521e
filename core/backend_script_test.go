package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFakeScript writes a minimal start/status/stop script implementing the
// stdio contract in §4.3/§6. The status subcommand reports RUNNING once and
// COMPLETE thereafter, tracked via a marker file baked into the script
// itself so it works regardless of which environment variables a given
// invocation happens to carry.
func writeFakeScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	marker := filepath.Join(dir, ".status-polled")
	script := "#!/bin/sh\n" +
		"set -e\n" +
		"case \"$1\" in\n" +
		"  start)\n" +
		"    echo \"job-$$\"\n" +
		"    ;;\n" +
		"  status)\n" +
		"    if [ -f \"" + marker + "\" ]; then\n" +
		"      echo \"COMPLETE 0\"\n" +
		"    else\n" +
		"      touch \"" + marker + "\"\n" +
		"      echo \"RUNNING\"\n" +
		"    fi\n" +
		"    ;;\n" +
		"  stop)\n" +
		"    echo \"stopped\" >&2\n" +
		"    exit 1\n" +
		"    ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestScriptBackendStartParsesJobID(t *testing.T) {
	gate := ResetGateForTest(1)
	script := writeFakeScript(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "runid")
	require.NoError(t, err)

	b := NewScriptBackend(gate, script)
	err = b.Start(DefaultRunConfig(), wd, "align", "true")
	require.NoError(t, err)
	require.NotEmpty(t, b.id)
}

func TestScriptBackendWaitForPollsUntilComplete(t *testing.T) {
	gate := ResetGateForTest(1)
	script := writeFakeScript(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "runid2")
	require.NoError(t, err)

	cfg := DefaultRunConfig()
	cfg.MinSleepMillis = 1
	cfg.MaxSleepMillis = 2
	cfg.BackoffPeriodMillis = 10

	b := NewScriptBackend(gate, script)
	require.NoError(t, b.Start(cfg, wd, "align", "true"))
	code, err := b.WaitFor()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

// writeAlwaysFailingStatusScript writes a script whose start succeeds but
// whose status subcommand always exits non-zero, to exercise §8 scenario 5
// (status fails four consecutive times, WaitFor raises).
func writeAlwaysFailingStatusScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"  start)\n" +
		"    echo \"job-$$\"\n" +
		"    ;;\n" +
		"  status)\n" +
		"    echo \"backend unreachable\" >&2\n" +
		"    exit 1\n" +
		"    ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestScriptBackendWaitForRaisesAfterFourConsecutiveStatusFailures(t *testing.T) {
	gate := ResetGateForTest(1)
	script := writeAlwaysFailingStatusScript(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "runid4")
	require.NoError(t, err)

	cfg := DefaultRunConfig()
	cfg.MinSleepMillis = 1
	cfg.MaxSleepMillis = 2
	cfg.BackoffPeriodMillis = 10

	b := NewScriptBackend(gate, script)
	require.NoError(t, b.Start(cfg, wd, "align", "true"))
	_, err = b.WaitFor()
	require.Error(t, err)
	var transient *TransientStatusError
	require.ErrorAs(t, err, &transient)
}

func TestScriptBackendStopTreatsScriptFailureAsFatalUnlessAlreadyGone(t *testing.T) {
	gate := ResetGateForTest(1)
	script := writeFakeScript(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "runid3")
	require.NoError(t, err)

	b := NewScriptBackend(gate, script)
	require.NoError(t, b.Start(DefaultRunConfig(), wd, "align", "true"))
	err = b.Stop()
	require.Error(t, err, "the fake script's stop path exits 1 with a stderr message that is not an already-gone marker")
}
