package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hdashnow/bpipe/bpipelog"
)

// ScriptBackend delegates job submission, status polling and cancellation
// to a user-provided shell script via the stdio contract in §4.3/§6:
// "<script> start|status <id>|stop <id>".
type ScriptBackend struct {
	gate   *ConcurrencyGate
	script string

	name string
	id   string
	cfg  RunConfig
}

// NewScriptBackend builds a backend that runs script (an executable path)
// for start/status/stop, serializing each invocation through gate.
func NewScriptBackend(gate *ConcurrencyGate, script string) *ScriptBackend {
	return &ScriptBackend{gate: gate, script: script}
}

func (b *ScriptBackend) Start(cfg RunConfig, workdir *JobWorkdir, name, cmd string) error {
	b.name = name
	b.cfg = cfg

	env := append(os.Environ(),
		"NAME="+name,
		"JOBDIR="+workdir.Path,
		"COMMAND="+cmd,
	)
	if cfg.Account != "" {
		env = append(env, "ACCOUNT="+cfg.Account)
	}
	if cfg.Walltime != "" {
		env = append(env, "WALLTIME="+cfg.Walltime)
	}
	if cfg.Memory != "" {
		env = append(env, "MEMORY="+cfg.Memory)
	}
	if cfg.Procs != "" {
		env = append(env, "PROCS="+cfg.Procs)
	}
	if cfg.Queue != "" {
		env = append(env, "QUEUE="+cfg.Queue)
	}

	stdout, stderr, exitCode, err := b.invoke(env, "start")
	if err != nil || exitCode != 0 {
		return &StartError{
			StageName: name,
			Cmd:       b.script + " start",
			ExitCode:  exitCode,
			Stdout:    stdout,
			Stderr:    stderr,
		}
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return &StartError{
			StageName: name,
			Cmd:       b.script + " start",
			ExitCode:  exitCode,
			Stdout:    stdout,
			Stderr:    "script printed no job id",
		}
	}
	b.id = id
	bpipelog.For("backend.script").Debug().
		Str("stage", name).Str("id", id).Msg("submitted job")
	return nil
}

func (b *ScriptBackend) Status() (BackendStatus, error) {
	status, _, err := b.statusOnce()
	return status, err
}

// statusOnce runs "<script> status <id>" once. A non-zero exit is a
// transient failure (§4.3): it is surfaced as an error so pollWithBackoff
// counts it toward MaxStatusErrors rather than looping on it forever.
func (b *ScriptBackend) statusOnce() (BackendStatus, int, error) {
	stdout, stderr, exitCode, err := b.invoke(os.Environ(), "status", b.id)
	if err != nil {
		return StatusUnknown, 0, err
	}
	if exitCode != 0 {
		return StatusUnknown, 0, fmt.Errorf("status exited %d: %s", exitCode, stderr)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return StatusUnknown, 0, nil
	}
	status := ParseBackendStatus(fields[0])
	if status == StatusComplete && len(fields) > 1 {
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return StatusUnknown, 0, nil
		}
		return StatusComplete, code, nil
	}
	return status, 0, nil
}

func (b *ScriptBackend) WaitFor() (int, error) {
	return pollWithBackoff(b.cfg, b.name, func() (bool, int, error) {
		status, code, err := b.statusOnce()
		if err != nil {
			return false, 0, err
		}
		return status == StatusComplete, code, nil
	})
}

func (b *ScriptBackend) Stop() error {
	_, stderr, exitCode, err := b.invoke(os.Environ(), "stop", b.id)
	if err != nil {
		return &StopError{StageName: b.name, Id: b.id, Cause: err}
	}
	if exitCode != 0 && !isAlreadyGone(stderr) {
		return &StopError{StageName: b.name, Id: b.id,
			Cause: fmt.Errorf("stop exited %d: %s", exitCode, stderr)}
	}
	return nil
}

func (b *ScriptBackend) Cleanup() error { return nil }

func (b *ScriptBackend) GetIgnorableOutputs() []*regexp.Regexp { return nil }

// invoke runs the backend script with the given subcommand/args under the
// ConcurrencyGate, returning captured stdout, stderr and exit code.
func (b *ScriptBackend) invoke(env []string, args ...string) (stdout, stderr string, exitCode int, err error) {
	if err := b.gate.Acquire(context.Background()); err != nil {
		return "", "", -1, err
	}
	defer b.gate.Release()

	cmd := exec.Command(b.script, args...)
	cmd.Env = env
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	code := exitCodeFromError(runErr)
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return out.String(), errBuf.String(), code, runErr
		}
	}
	return out.String(), errBuf.String(), code, nil
}
