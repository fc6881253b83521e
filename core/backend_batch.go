package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hdashnow/bpipe/bpipelog"
)

// DefaultBatchIDPattern matches the LSF-style submission announcement used
// in §8 scenario 6: "Job <12345> is submitted to queue normal."
var DefaultBatchIDPattern = regexp.MustCompile(`Job <(\d+)>`)

// BatchBackend targets a cluster batch scheduler (§4.3 "wire-level
// specifics"): it writes a wrapper script, submits it, and tracks
// completion entirely through filesystem state in the job's workdir
// rather than a status subcommand.
type BatchBackend struct {
	gate      *ConcurrencyGate
	submitCmd string
	idPattern *regexp.Regexp

	name    string
	id      string
	cfg     RunConfig
	workdir *JobWorkdir

	forwardCancel context.CancelFunc
	forwardWG     sync.WaitGroup
}

// NewBatchBackend builds a backend that submits jobs via submitCmd (e.g.
// "bsub"), parsing the assigned job id from its stdout using idPattern
// (which must have exactly one capture group).
func NewBatchBackend(gate *ConcurrencyGate, submitCmd string, idPattern *regexp.Regexp) *BatchBackend {
	if idPattern == nil {
		idPattern = DefaultBatchIDPattern
	}
	return &BatchBackend{gate: gate, submitCmd: submitCmd, idPattern: idPattern}
}

func (b *BatchBackend) Start(cfg RunConfig, workdir *JobWorkdir, name, cmd string) error {
	b.name = name
	b.cfg = cfg
	b.workdir = workdir

	scriptPath := filepath.Join(workdir.Path, "cmd.sh")
	outPath := filepath.Join(workdir.Path, "cmd.out")
	exitPath := filepath.Join(workdir.Path, "cmd.exit")
	errPath := filepath.Join(workdir.Path, "cmd.err")

	wrapper := fmt.Sprintf("#!/bin/sh\ncd %q\n(%s) > %q\necho $? > %q\nexit $(cat %q)\n",
		workdir.Path, cmd, outPath, exitPath, exitPath)
	if err := os.WriteFile(scriptPath, []byte(wrapper), 0755); err != nil {
		return &StartError{StageName: name, Cmd: cmd, ExitCode: -1, Stderr: err.Error()}
	}

	args := []string{}
	if cfg.Queue != "" {
		args = append(args, "-q", cfg.Queue)
	}
	jobName := cfg.JobName
	if jobName == "" {
		jobName = name
	}
	args = append(args, "-J", jobName, scriptPath)

	if err := b.gate.Acquire(context.Background()); err != nil {
		return &StartError{StageName: name, Cmd: cmd, ExitCode: -1, Stderr: err.Error()}
	}
	var stdout bytes.Buffer
	submit := exec.Command(b.submitCmd, args...)
	submit.Stdout = &stdout
	errFile, ferr := os.Create(errPath)
	if ferr == nil {
		submit.Stderr = errFile
	}
	runErr := submit.Run()
	if errFile != nil {
		errFile.Close()
	}
	b.gate.Release()

	if runErr != nil {
		stderr, _ := os.ReadFile(errPath)
		return &StartError{
			StageName: name, Cmd: b.submitCmd + " " + strings.Join(args, " "),
			ExitCode: exitCodeFromError(runErr), Stdout: stdout.String(), Stderr: string(stderr),
		}
	}
	m := b.idPattern.FindStringSubmatch(stdout.String())
	if len(m) < 2 {
		return &StartError{
			StageName: name, Cmd: b.submitCmd + " " + strings.Join(args, " "),
			ExitCode: 0, Stdout: stdout.String(), Stderr: "could not parse job id from submit output",
		}
	}
	b.id = m[1]

	ctx, cancel := context.WithCancel(context.Background())
	b.forwardCancel = cancel
	b.startForwarder(ctx, outPath, os.Stdout)
	b.startForwarder(ctx, errPath, os.Stderr)

	bpipelog.For("backend.batch").Debug().
		Str("stage", name).Str("id", b.id).Msg("submitted job")
	return nil
}

func (b *BatchBackend) Status() (BackendStatus, error) {
	if _, err := os.Stat(filepath.Join(b.workdir.Path, "cmd.sh")); err != nil {
		return StatusUnknown, nil
	}
	if b.id == "" {
		return StatusQueueing, nil
	}
	if _, err := os.Stat(filepath.Join(b.workdir.Path, "cmd.exit")); err != nil {
		return StatusRunning, nil
	}
	return StatusComplete, nil
}

func (b *BatchBackend) WaitFor() (int, error) {
	_, err := pollWithBackoff(b.cfg, b.name, func() (bool, int, error) {
		st, err := b.Status()
		if err != nil {
			return false, 0, err
		}
		return st == StatusComplete, 0, nil
	})
	if err != nil {
		return -1, err
	}
	return b.readExitCode(), nil
}

// readExitCode reads cmd.exit, which at this point is known to exist. If
// its content hasn't finished being written yet, retry up to 10 times at
// 500ms before giving up and returning -1 (§4.3).
func (b *BatchBackend) readExitCode() int {
	exitPath := filepath.Join(b.workdir.Path, "cmd.exit")
	for i := 0; i < 10; i++ {
		data, err := os.ReadFile(exitPath)
		if err == nil {
			if code, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
				return code
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return -1
}

func (b *BatchBackend) Stop() error {
	if b.id == "" {
		return nil
	}
	if err := b.gate.Acquire(context.Background()); err != nil {
		return &StopError{StageName: b.name, Id: b.id, Cause: err}
	}
	defer b.gate.Release()
	cmd := exec.Command("bkill", b.id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isAlreadyGone(stderr.String()) {
			return nil
		}
		return &StopError{StageName: b.name, Id: b.id, Cause: fmt.Errorf("%v: %s", err, stderr.String())}
	}
	return nil
}

func (b *BatchBackend) Cleanup() error {
	if b.forwardCancel != nil {
		b.forwardCancel()
	}
	b.forwardWG.Wait()
	return nil
}

func (b *BatchBackend) GetIgnorableOutputs() []*regexp.Regexp { return nil }

// startForwarder streams path's new content to dst in the background
// until ctx is cancelled, polling for growth every 200ms.
func (b *BatchBackend) startForwarder(ctx context.Context, path string, dst io.Writer) {
	b.forwardWG.Add(1)
	go func() {
		defer b.forwardWG.Done()
		var offset int64
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f, err := os.Open(path)
				if err != nil {
					continue
				}
				if _, err := f.Seek(offset, io.SeekStart); err == nil {
					n, _ := io.Copy(dst, f)
					offset += n
				}
				f.Close()
			}
		}
	}()
}
