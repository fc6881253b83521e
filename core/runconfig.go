package core

import "regexp"

// RunConfig collects the configuration keys consumed by the core (§6).
// Loading it from a file or flag set is an external collaborator's job;
// the core only ever reads from this struct, mirroring the teacher
// runtime's RuntimeOptions shape.
type RunConfig struct {
	// Concurrency is the size of the global ConcurrencyGate semaphore.
	Concurrency int

	// MinSleepMillis, MaxSleepMillis and BackoffPeriodMillis tune the
	// exponential-backoff poller in backend.go.
	MinSleepMillis      int
	MaxSleepMillis      int
	BackoffPeriodMillis int

	// FanoutWorkers sizes the worker pool used to run fan-out branches.
	// Zero means "same as Concurrency".
	FanoutWorkers int

	// Backend-specific knobs, passed through to custom-script and batch
	// backends (§6).
	Account  string
	Walltime string
	Memory   string
	Procs    string
	Queue    string
	JobName  string

	// RetryOn lists patterns against which the message of any error a
	// command run returns (a StartError or a wait failure) is matched; a
	// match makes the run retryable up to StartRetries times. Modeled on the teacher's retry.json-driven
	// getRetryRegexps/DefaultRetries.
	RetryOn      []*regexp.Regexp
	StartRetries int
}

// DefaultRunConfig returns the configuration defaults named in spec §4.3
// and §6.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Concurrency:         1,
		MinSleepMillis:      2000,
		MaxSleepMillis:      5000,
		BackoffPeriodMillis: 180000,
		StartRetries:        0,
	}
}

func (c RunConfig) fanoutWorkers() int {
	if c.FanoutWorkers > 0 {
		return c.FanoutWorkers
	}
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 1
}
