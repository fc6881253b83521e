package core

import "fmt"

// CommandRunner executes a single shell command on behalf of a stage body
// and returns its exit code. Executor (backend.go) is the production
// implementation; tests may substitute a fake.
type CommandRunner interface {
	Run(stageName, cmd string) (exitCode int, err error)
}

// PipelineContext is the per-stage mutable state a stage body runs
// against (§3). A stage body may read Input, assign Output/RawOutput,
// record tracked commands, and override NextInputs.
type PipelineContext struct {
	StageName string
	Branch    string

	Input     []string
	Output    []string
	RawOutput []string

	nextInputs    []string
	nextInputsSet bool

	trackedOutputs map[string][]string
}

// NewPipelineContext builds a context for a stage about to run with the
// given input list.
func NewPipelineContext(stageName, branch string, input []string) *PipelineContext {
	return &PipelineContext{
		StageName:      stageName,
		Branch:         branch,
		Input:          append([]string(nil), input...),
		trackedOutputs: make(map[string][]string),
	}
}

// Track records that cmd produced the given output paths, so the driver
// will persist OutputMeta records for them after the stage body returns
// (§4.5).
func (c *PipelineContext) Track(cmd string, outputs ...string) {
	c.trackedOutputs[cmd] = append(c.trackedOutputs[cmd], outputs...)
	c.Output = append(c.Output, outputs...)
}

// SetNextInputs explicitly overrides what downstream stages will see as
// their input list. If never called, NextInputs falls back to RawOutput,
// then Output, and only then the stage's own Input (§4.5 rule 3: a stage
// producing no new outputs is transparent).
func (c *PipelineContext) SetNextInputs(paths []string) {
	c.nextInputs = append([]string(nil), paths...)
	c.nextInputsSet = true
}

// NextInputs resolves the effective input list for the next stage: the
// explicit override if set, else RawOutput/Output, else the original Input.
func (c *PipelineContext) NextInputs() []string {
	if c.nextInputsSet {
		return c.nextInputs
	}
	if len(c.RawOutput) > 0 {
		return c.RawOutput
	}
	if len(c.Output) > 0 {
		return c.Output
	}
	return c.Input
}

// TrackedOutputs returns the command -> outputs mapping accumulated during
// the stage body's run.
func (c *PipelineContext) TrackedOutputs() map[string][]string {
	return c.trackedOutputs
}

// ExecIfStale is Exec's graph-aware sibling: when graph reports outputs as
// already up to date against c.Input (§4.2's CheckUpToDate), the command is
// skipped and outputs are appended to c.Output (but not recorded as tracked
// outputs of cmd) so downstream stages still see them as this stage's
// output; otherwise it behaves exactly like Exec. graph may
// be nil, in which case the command always runs.
func (c *PipelineContext) ExecIfStale(graph *DependencyGraph, runner CommandRunner, cmd string, outputs ...string) error {
	if graph != nil && graph.CheckUpToDate(outputs, c.Input) {
		c.Output = append(c.Output, outputs...)
		return nil
	}
	return c.Exec(runner, cmd, outputs...)
}

// Exec runs cmd through runner, tracking outputs against it on success. A
// non-zero exit code is reported as an error; the stage body decides
// whether that is fatal.
func (c *PipelineContext) Exec(runner CommandRunner, cmd string, outputs ...string) error {
	code, err := runner.Run(c.StageName, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("command exited with code %d: %s", code, cmd)
	}
	c.Track(cmd, outputs...)
	return nil
}
