package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalBackendRunsCommandAndReportsExitCode(t *testing.T) {
	gate := ResetGateForTest(2)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "job1")
	require.NoError(t, err)

	out := filepath.Join(wd.Path, "out.txt")
	b := NewLocalBackend(gate)
	err = b.Start(DefaultRunConfig(), wd, "write", "echo hi > "+out)
	require.NoError(t, err)
	code, err := b.WaitFor()
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.FileExists(t, out)
	require.NoError(t, b.Cleanup())
}

func TestLocalBackendReportsNonZeroExit(t *testing.T) {
	gate := ResetGateForTest(1)
	dir := t.TempDir()
	wd, err := NewJobWorkdir(dir, "job2")
	require.NoError(t, err)

	b := NewLocalBackend(gate)
	require.NoError(t, b.Start(DefaultRunConfig(), wd, "fail", "exit 7"))
	code, err := b.WaitFor()
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestExecutorRunWiresBackendAndWorkdir(t *testing.T) {
	gate := ResetGateForTest(1)
	dir := t.TempDir()
	backend := NewLocalBackend(gate)
	exec := NewExecutor(backend, DefaultRunConfig(), dir)

	code, err := exec.Run("echo-stage", "exit 0")
	require.NoError(t, err)
	require.Equal(t, 0, code)
}
