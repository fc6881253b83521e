package core

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"sync"

	"github.com/hdashnow/bpipe/bpipelog"
)

// LocalBackend runs a command directly on the driver's host, under the
// ConcurrencyGate (§4.3 "Local"). Unlike the custom-script and batch
// backends it has no external id scheme of its own, so it is assigned one
// from the per-job workdir id.
type LocalBackend struct {
	gate *ConcurrencyGate

	name string
	cmd  string
	id   string

	mu       sync.Mutex
	proc     *exec.Cmd
	done     chan struct{}
	exitCode int
	waitErr  error
	released bool
	stopped  bool

	stdout, stderr bytes.Buffer
}

// NewLocalBackend constructs a backend that serializes through gate.
func NewLocalBackend(gate *ConcurrencyGate) *LocalBackend {
	return &LocalBackend{gate: gate}
}

func (b *LocalBackend) Start(cfg RunConfig, workdir *JobWorkdir, name, cmd string) error {
	b.name = name
	b.cmd = cmd
	b.id = workdir.ID

	if err := b.gate.Acquire(context.Background()); err != nil {
		return &StartError{StageName: name, Cmd: cmd, ExitCode: -1, Stderr: err.Error()}
	}

	proc := exec.Command("sh", "-c", cmd)
	proc.Dir = workdir.Path
	proc.Stdout = &b.stdout
	proc.Stderr = &b.stderr
	if len(cfg.Walltime) > 0 {
		proc.Env = append(os.Environ(), "WALLTIME="+cfg.Walltime)
	}

	if err := proc.Start(); err != nil {
		b.releaseOnce()
		return &StartError{
			StageName: name,
			Cmd:       cmd,
			ExitCode:  -1,
			Stdout:    b.stdout.String(),
			Stderr:    err.Error(),
		}
	}

	b.proc = proc
	b.done = make(chan struct{})
	go func() {
		b.waitErr = proc.Wait()
		b.exitCode = exitCodeFromError(b.waitErr)
		close(b.done)
	}()

	bpipelog.For("backend.local").Debug().
		Str("stage", name).Str("id", b.id).Msg("started local command")
	return nil
}

func (b *LocalBackend) Status() (BackendStatus, error) {
	select {
	case <-b.done:
		return StatusComplete, nil
	default:
		return StatusRunning, nil
	}
}

func (b *LocalBackend) WaitFor() (int, error) {
	defer b.releaseOnce()
	<-b.done
	return b.exitCode, nil
}

func (b *LocalBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.proc == nil || b.proc.Process == nil {
		return nil
	}
	b.stopped = true
	if err := b.proc.Process.Kill(); err != nil {
		return &StopError{StageName: b.name, Id: b.id, Cause: err}
	}
	return nil
}

func (b *LocalBackend) Cleanup() error {
	b.releaseOnce()
	return nil
}

func (b *LocalBackend) GetIgnorableOutputs() []*regexp.Regexp { return nil }

func (b *LocalBackend) releaseOnce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.released {
		b.released = true
		b.gate.Release()
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
