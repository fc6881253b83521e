// Package bpipelog provides the single package-level logger used by every
// bpipe core component. Construction and configuration of the underlying
// writer (file vs stderr, level, color) is a host-process concern; this
// package only exposes the sink components log through and a setter a host
// can use to install its own.
package bpipelog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
)

// SetLogger installs l as the logger used by all bpipe components. Intended
// for host processes that want JSON output, a different level, or a
// different sink; tests may also use it to capture output.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// For returns a sub-logger tagged with the given component name, mirroring
// the tag-per-subsystem convention ("runtime", "stage", ...) used throughout
// the reference runtime this package is modeled on.
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Logger()
}
