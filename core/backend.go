package core

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// BackendStatus is the cheap status a backend reports while a command is
// in flight (§4.3).
type BackendStatus int

const (
	StatusQueueing BackendStatus = iota
	StatusRunning
	StatusComplete
	StatusUnknown
)

func (s BackendStatus) String() string {
	switch s {
	case StatusQueueing:
		return "QUEUEING"
	case StatusRunning:
		return "RUNNING"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// ParseBackendStatus parses one of the four status tokens a backend (or
// the custom-script protocol) may report.
func ParseBackendStatus(token string) BackendStatus {
	switch token {
	case "QUEUEING":
		return StatusQueueing
	case "RUNNING":
		return StatusRunning
	case "COMPLETE":
		return StatusComplete
	default:
		return StatusUnknown
	}
}

// MaxStatusErrors is the number of consecutive transient status failures a
// backend's wait loop tolerates before giving up (§4.3, §7).
const MaxStatusErrors = 4

// ExecutorBackend is the pluggable contract every command-execution target
// (local shell, custom script, batch scheduler) implements (§4.3).
type ExecutorBackend interface {
	// Start submits cmd, blocking until the backend has assigned it an id.
	// A failure returns a *StartError.
	Start(cfg RunConfig, workdir *JobWorkdir, name, cmd string) error

	// Status is a cheap, single poll of the job's current state.
	Status() (BackendStatus, error)

	// WaitFor blocks until the command completes and returns its exit
	// code, polling Status with exponential backoff.
	WaitFor() (int, error)

	// Stop requests cancellation. Idempotent; safe to call on a job that
	// has already finished.
	Stop() error

	// Cleanup releases any resources (forwarders, temp state) acquired
	// during Start.
	Cleanup() error

	// GetIgnorableOutputs returns regexes of stdout/stderr lines the
	// driver should suppress, or nil.
	GetIgnorableOutputs() []*regexp.Regexp
}

// JobWorkdir is the per-job scratch directory under
// <workdir>/.bpipe/commandtmp/<id>/ (§6).
type JobWorkdir struct {
	ID   string
	Path string
}

// NewJobWorkdir creates the per-job workdir for id under workdir's
// .bpipe/commandtmp tree.
func NewJobWorkdir(workdir, id string) (*JobWorkdir, error) {
	p := filepath.Join(workdir, ".bpipe", "commandtmp", id)
	if err := os.MkdirAll(p, 0777); err != nil {
		return nil, err
	}
	return &JobWorkdir{ID: id, Path: p}, nil
}

// newRunID returns a fresh identifier for a per-job workdir. Executor.Run
// names every job's workdir with it, whatever the backend; the local
// backend, which has no id scheme of its own, also adopts it as its job
// id. Modeled on the teacher runtime's use of
// satori/go.uuid for pipestance identity.
func newRunID() string {
	return uuid.NewV4().String()
}

// nextSleepMillis implements §4.3's backoff formula:
//
//	currentSleep = minSleep + min(maxSleep, exp(factor * elapsedMs))
//	factor = ln(maxSleep - minSleep) / backoffPeriod
func nextSleepMillis(cfg RunConfig, elapsedMs int64) int64 {
	minSleep := int64(cfg.MinSleepMillis)
	if minSleep <= 0 {
		minSleep = 2000
	}
	maxSleep := int64(cfg.MaxSleepMillis)
	if maxSleep <= 0 {
		maxSleep = 5000
	}
	backoffPeriod := int64(cfg.BackoffPeriodMillis)
	if backoffPeriod <= 0 {
		backoffPeriod = 180000
	}
	spread := float64(maxSleep - minSleep)
	if spread <= 0 {
		spread = 1
	}
	factor := math.Log(spread) / float64(backoffPeriod)
	grown := math.Exp(factor * float64(elapsedMs))
	capped := math.Min(float64(maxSleep), grown)
	return minSleep + int64(capped)
}

// pollWithBackoff repeatedly calls statusFn (which should perform one
// cheap status check and return (complete, exitCode, err)) until it
// reports completion, sleeping between calls per nextSleepMillis.
// Transient errors are tolerated up to MaxStatusErrors consecutive
// failures (separated by a fixed 100ms), after which the wait fails hard;
// any successful poll resets the counter (§4.3, §7).
func pollWithBackoff(cfg RunConfig, stageName string, statusFn func() (complete bool, exitCode int, err error)) (int, error) {
	var elapsed int64
	errCount := 0
	for {
		complete, code, err := statusFn()
		if err != nil {
			errCount++
			if errCount >= MaxStatusErrors {
				return -1, &TransientStatusError{StageName: stageName, Cause: err}
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		errCount = 0
		if complete {
			return code, nil
		}
		sleep := nextSleepMillis(cfg, elapsed)
		time.Sleep(time.Duration(sleep) * time.Millisecond)
		elapsed += sleep
	}
}

// isAlreadyGone reports whether a stop failure's stderr indicates the job
// was already finished or unknown to the backend, in which case the
// failure is ignored rather than retried (§6, §9 — treating this as the
// one place where a non-zero exit is not itself an error).
func isAlreadyGone(stderr string) bool {
	for _, sub := range []string{"Unknown Job Id", "invalid state for job - COMPLETE"} {
		if strings.Contains(stderr, sub) {
			return true
		}
	}
	return false
}

// Executor wires a single ExecutorBackend to the ConcurrencyGate and
// implements CommandRunner so a PipelineContext can run commands through
// it without knowing which backend variant is in play.
type Executor struct {
	Backend ExecutorBackend
	Cfg     RunConfig
	WorkDir string
}

// NewExecutor builds an Executor for backend rooted at workdir.
func NewExecutor(backend ExecutorBackend, cfg RunConfig, workdir string) *Executor {
	return &Executor{Backend: backend, Cfg: cfg, WorkDir: workdir}
}

// Run submits cmd under a fresh per-job workdir and blocks for completion,
// implementing CommandRunner.
func (e *Executor) Run(stageName, cmd string) (int, error) {
	wd, err := NewJobWorkdir(e.WorkDir, newRunID())
	if err != nil {
		return -1, err
	}
	if err := e.Backend.Start(e.Cfg, wd, stageName, cmd); err != nil {
		return -1, err
	}
	defer e.Backend.Cleanup()
	return e.Backend.WaitFor()
}
