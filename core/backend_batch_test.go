package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeSubmit writes a fake LSF-style "bsub" substitute that runs the
// wrapper script it's given in the background and prints the
// "Job <id> is submitted" announcement BatchBackend parses.
func writeFakeSubmit(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakesub")
	script := "#!/bin/sh\n" +
		"# args: -J name <script.sh>\n" +
		"shift 2\n" +
		"sh \"$1\" >/dev/null 2>&1 &\n" +
		"echo \"Job <4242> is submitted to queue normal.\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestBatchBackendStartSubmitsAndParsesJobID(t *testing.T) {
	gate := ResetGateForTest(1)
	submit := writeFakeSubmit(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "batch1")
	require.NoError(t, err)

	b := NewBatchBackend(gate, submit, nil)
	err = b.Start(DefaultRunConfig(), wd, "call", "echo hi")
	require.NoError(t, err)
	require.Equal(t, "4242", b.id)
	require.NoError(t, b.Cleanup())
}

func TestBatchBackendWaitForReadsExitCodeFromFilesystem(t *testing.T) {
	gate := ResetGateForTest(1)
	submit := writeFakeSubmit(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "batch2")
	require.NoError(t, err)

	cfg := DefaultRunConfig()
	cfg.MinSleepMillis = 1
	cfg.MaxSleepMillis = 2
	cfg.BackoffPeriodMillis = 10

	b := NewBatchBackend(gate, submit, nil)
	require.NoError(t, b.Start(cfg, wd, "call", "exit 3"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(wd.Path, "cmd.exit"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	code, err := b.WaitFor()
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.NoError(t, b.Cleanup())
}

func TestBatchBackendStatusReflectsFilesystemState(t *testing.T) {
	gate := ResetGateForTest(1)
	submit := writeFakeSubmit(t)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "batch3")
	require.NoError(t, err)

	b := NewBatchBackend(gate, submit, nil)
	require.NoError(t, b.Start(DefaultRunConfig(), wd, "call", "sleep 1"))
	status, err := b.Status()
	require.NoError(t, err)
	require.Contains(t, []BackendStatus{StatusRunning, StatusComplete}, status)
	require.NoError(t, b.Cleanup())
}
