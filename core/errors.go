package core

import (
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// StartError is returned when an ExecutorBackend fails to submit a command.
type StartError struct {
	StageName string
	Cmd       string
	ExitCode  int
	Stdout    string
	Stderr    string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("stage %s: failed to start command (exit %d): %s\n%s",
		e.StageName, e.ExitCode, e.Cmd, indent(e.Stderr))
}

// TransientStatusError wraps a single failed status poll. It is only ever
// surfaced after MaxStatusErrors consecutive failures; see backend.go.
type TransientStatusError struct {
	StageName string
	Cause     error
}

func (e *TransientStatusError) Error() string {
	return fmt.Sprintf("stage %s: status check failed: %v", e.StageName, e.Cause)
}

func (e *TransientStatusError) Unwrap() error { return e.Cause }

// StopError is returned when a backend's stop call fails for a reason other
// than the job already being gone.
type StopError struct {
	StageName string
	Id        string
	Cause     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stage %s: failed to stop job %s: %v", e.StageName, e.Id, e.Cause)
}

// MissingOutputError indicates a declared or downstream input file has no
// corresponding metadata record explaining its absence.
type MissingOutputError struct {
	StageName string
	Path      string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("stage %s: missing output %q (no metadata record found)",
		e.StageName, e.Path)
}

// CycleError indicates the dependency graph could not be layered because the
// metadata describes a cycle.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among outputs: %s",
		strings.Join(e.Remaining, ", "))
}

// PatternMatchError indicates a fan-out filename pattern matched zero of the
// given inputs.
type PatternMatchError struct {
	Pattern string
	Inputs  []string
}

func (e *PatternMatchError) Error() string {
	return fmt.Sprintf("pattern %q matched none of the inputs: %s",
		e.Pattern, strings.Join(e.Inputs, ", "))
}

// BranchError aggregates the failures of one or more fan-out child
// pipelines. Messages are deduplicated before being joined.
type BranchError struct {
	merr *multierror.Error
}

// NewBranchError builds a BranchError from one error per failed branch.
// Duplicate messages (common when every branch hits the same misconfigured
// stage) collapse to a single entry.
func NewBranchError(errs []error) error {
	seen := make(map[string]struct{}, len(errs))
	var merr *multierror.Error
	for _, err := range errs {
		if err == nil {
			continue
		}
		msg := err.Error()
		if _, ok := seen[msg]; ok {
			continue
		}
		seen[msg] = struct{}{}
		merr = multierror.Append(merr, err)
	}
	if merr == nil {
		return nil
	}
	return &BranchError{merr: merr}
}

func (e *BranchError) Error() string {
	return e.merr.Error()
}

func (e *BranchError) Unwrap() []error {
	return e.merr.Errors
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
