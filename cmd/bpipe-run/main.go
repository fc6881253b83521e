// Command bpipe-run drives one execution of a composed pipeline against a
// working directory. It does not parse pipeline definition files — see
// SPEC_FULL.md §A.5 — so the pipeline run here is the fixed smoke-test
// composition a deployment uses to validate that a workdir, backend and
// concurrency setting are wired correctly before a real driver program
// (built against the core package) takes over.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/hdashnow/bpipe/bpipelog"
	"github.com/hdashnow/bpipe/core"
)

const version = "bpipe-run 0.1.0"

func main() {
	doc := `bpipe-run.

Usage:
    bpipe-run [--dir=<dir>] [--concurrency=<n>] [--backend=<kind>] [--script=<path>] [--verbose]
    bpipe-run -h | --help | --version

Options:
    --dir=<dir>          Working directory holding .bpipe/ state [default: .].
    --concurrency=<n>    Max simultaneous backend jobs [default: 1].
    --backend=<kind>     local, script or batch [default: local].
    --script=<path>      Script path (script backend) or submit command (batch backend).
    --verbose            Enable debug-level logging.
    -h --help             Show this message.
    --version             Show version.`

	opts, err := docopt.Parse(doc, nil, true, version, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if v, _ := opts["--verbose"].(bool); v {
		level = zerolog.DebugLevel
	}
	bpipelog.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger())
	log := bpipelog.For("cmd.bpipe-run")

	workdir, _ := opts["--dir"].(string)
	if workdir == "" {
		workdir = "."
	}

	cfg := core.DefaultRunConfig()
	if n, ok := opts["--concurrency"].(string); ok && n != "" {
		parsed, err := strconv.Atoi(n)
		if err != nil {
			log.Fatal().Err(err).Str("value", n).Msg("invalid --concurrency")
		}
		cfg.Concurrency = parsed
	}

	backendArg, _ := opts["--backend"].(string)
	kind, err := core.ParseBackendKind(backendArg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --backend")
	}
	scriptArg, _ := opts["--script"].(string)

	backend, err := core.NewBackend(kind, cfg, scriptArg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not construct backend")
	}

	rt, err := core.NewRuntime(workdir, backend, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialise runtime")
	}

	pipeline, err := rt.Run(smokeTestPipeline(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline run failed")
	}
	log.Info().Int("stages", len(pipeline.Stages)).Msg("pipeline run finished")
}

// smokeTestPipeline is a trivial sequential stage that issues no command
// and produces no output, used to exercise Runtime wiring end to end when
// no real pipeline definition has been embedded.
func smokeTestPipeline() core.Node {
	return core.Stage("noop", func(ctx *core.PipelineContext) error {
		return nil
	})
}
