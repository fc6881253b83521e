package core

import (
	"fmt"
	"strings"

	"github.com/hdashnow/bpipe/bpipelog"
)

// BackendKind names an ExecutorBackend variant (§4.3). Generalised from the
// teacher runtime's job-mode string parsing (local/sge/lsf by name).
type BackendKind int

const (
	BackendLocal BackendKind = iota
	BackendScript
	BackendBatch
)

// ParseBackendKind parses the --backend flag's value.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return BackendLocal, nil
	case "script", "custom":
		return BackendScript, nil
	case "batch", "cluster", "lsf":
		return BackendBatch, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", s)
	}
}

// NewBackend builds the ExecutorBackend for kind, wiring it to the
// process-wide ConcurrencyGate sized from cfg.Concurrency. scriptOrSubmit is
// the custom-script path for BackendScript, or the submit command (e.g.
// "bsub") for BackendBatch; unused for BackendLocal.
func NewBackend(kind BackendKind, cfg RunConfig, scriptOrSubmit string) (ExecutorBackend, error) {
	gate := Gate(cfg.Concurrency)
	switch kind {
	case BackendLocal:
		return NewLocalBackend(gate), nil
	case BackendScript:
		if scriptOrSubmit == "" {
			return nil, fmt.Errorf("custom-script backend requires a script path")
		}
		return NewScriptBackend(gate, scriptOrSubmit), nil
	case BackendBatch:
		if scriptOrSubmit == "" {
			scriptOrSubmit = "bsub"
		}
		return NewBatchBackend(gate, scriptOrSubmit, nil), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %d", kind)
	}
}

// retryingRunner wraps a CommandRunner, re-running the whole command up to
// cfg.StartRetries more times when the error it returned (a start or a
// wait failure alike) matches one of cfg.RetryOn
// (§6 "retry.json"-style transient-failure tolerance).
type retryingRunner struct {
	inner CommandRunner
	cfg   RunConfig
}

func (r *retryingRunner) Run(stageName, cmd string) (int, error) {
	attempt := 0
	for {
		code, err := r.inner.Run(stageName, cmd)
		if err == nil || !r.retryable(err) || attempt >= r.cfg.StartRetries {
			return code, err
		}
		attempt++
		bpipelog.For("run").Warn().
			Str("stage", stageName).Int("attempt", attempt).Err(err).
			Msg("retrying after transient failure")
	}
}

func (r *retryingRunner) retryable(err error) bool {
	if len(r.cfg.RetryOn) == 0 {
		return false
	}
	msg := err.Error()
	for _, re := range r.cfg.RetryOn {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// Runtime wires together everything a single run of a composed pipeline
// needs: metadata storage, the dependency graph used to skip up-to-date
// work, the concurrency-gated executor, and the Composer that drives
// execution (§1's "run command" system boundary).
type Runtime struct {
	Store  *OutputMetaStore
	Graph  *DependencyGraph
	Runner CommandRunner
	Cfg    RunConfig

	workdir string
}

// NewRuntime builds a Runtime rooted at workdir, reconstructing the
// dependency graph from whatever metadata already exists there (§4.2) and
// wrapping backend in the retry policy from cfg.
func NewRuntime(workdir string, backend ExecutorBackend, cfg RunConfig) (*Runtime, error) {
	store, err := NewOutputMetaStore(workdir)
	if err != nil {
		return nil, fmt.Errorf("initialising output metadata store: %w", err)
	}

	metas, err := store.Scan()
	if err != nil {
		return nil, err
	}
	var graph *DependencyGraph
	if len(metas) > 0 {
		graph, err = BuildGraph(metas)
		if err != nil {
			return nil, err
		}
	}

	executor := NewExecutor(backend, cfg, workdir)
	runner := CommandRunner(executor)
	if cfg.StartRetries > 0 && len(cfg.RetryOn) > 0 {
		runner = &retryingRunner{inner: executor, cfg: cfg}
	}

	return &Runtime{Store: store, Graph: graph, Runner: runner, Cfg: cfg, workdir: workdir}, nil
}

// Run composes and executes root against input, returning the root
// Pipeline. A nil error with Pipeline.Failed true never happens: any stage
// or merge failure is returned as an error directly, matching §4.6's
// "the run fails as soon as ... reported".
func (rt *Runtime) Run(root Node, input []string) (*Pipeline, error) {
	composer := NewComposer(rt.Store, rt.Runner, rt.Cfg)
	bpipelog.For("run").Info().Strs("input", input).Msg("starting pipeline run")
	pipeline, err := composer.Run(root, input)
	if err != nil {
		bpipelog.For("run").Error().Err(err).Msg("pipeline run failed")
		return pipeline, err
	}
	bpipelog.For("run").Info().Msg("pipeline run complete")
	return pipeline, nil
}
