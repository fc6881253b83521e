package core

import (
	"os"

	"github.com/hdashnow/bpipe/bpipelog"
)

func osStat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// StageBody is the user-supplied logic for one stage. It may issue shell
// commands through ctx.Exec, assign ctx.Output/RawOutput directly (for
// stages that don't need a backend at all), or call ctx.SetNextInputs.
type StageBody func(ctx *PipelineContext) error

// PipelineStage is one stage instance: a name and a body, run against a
// PipelineContext by a Pipeline (§4.5).
type PipelineStage struct {
	Name string
	Body StageBody
}

// NewPipelineStage constructs a stage. name must be non-empty; it is used
// both for logging and for merge-by-name alignment during fan-out joins
// (§4.6).
func NewPipelineStage(name string, body StageBody) *PipelineStage {
	return &PipelineStage{Name: name, Body: body}
}

// Run executes the stage body against ctx, then persists OutputMeta
// records for every tracked (command, outputs) pair (§4.5). It returns
// the context so the caller (Pipeline) can read NextInputs()/Output.
func (s *PipelineStage) Run(ctx *PipelineContext, store *OutputMetaStore) (*PipelineContext, error) {
	log := bpipelog.For("stage").With().Str("stage", s.Name).Logger()
	log.Debug().Strs("input", ctx.Input).Msg("running stage")

	if err := s.Body(ctx); err != nil {
		return ctx, err
	}

	if err := s.persistTrackedOutputs(ctx, store); err != nil {
		return ctx, err
	}

	if err := s.validateOutputs(ctx, store); err != nil {
		return ctx, err
	}

	log.Debug().Strs("output", ctx.Output).Msg("stage complete")
	return ctx, nil
}

// persistTrackedOutputs implements §4.5 rule 2: compute a fingerprint and
// write an OutputMeta for each (cmd, outputs) pair, unless the output
// already existed, unchanged, with existing metadata — in which case this
// stage run did not actually produce it.
func (s *PipelineStage) persistTrackedOutputs(ctx *PipelineContext, store *OutputMetaStore) error {
	for cmd, outputs := range ctx.TrackedOutputs() {
		for _, out := range outputs {
			skip, priorMeta, err := shouldSkipPersist(store, out)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			meta := &OutputMeta{
				OutputFile:  out,
				OutputPath:  normalizedPath(out),
				Inputs:      append([]string(nil), ctx.Input...),
				Command:     cmd,
				Fingerprint: Fingerprint(cmd, out),
				Preserve:    priorMeta != nil && priorMeta.Preserve,
			}
			if info, statErr := osStat(out); statErr == nil {
				meta.Timestamp = info.ModTime().UnixMilli()
			}
			if err := store.Save(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// shouldSkipPersist reports whether out existed before the stage ran, its
// mtime is unchanged, and it already has metadata -- meaning this stage
// didn't actually (re)produce it.
func shouldSkipPersist(store *OutputMetaStore, out string) (bool, *OutputMeta, error) {
	if !store.Exists(normalizedPath(out)) {
		return false, nil, nil
	}
	prior, err := store.ReadStored(normalizedPath(out))
	if err != nil {
		return false, nil, nil
	}
	info, statErr := osStat(out)
	if statErr != nil {
		return false, prior, nil
	}
	return info.ModTime().UnixMilli() == prior.Timestamp, prior, nil
}

// validateOutputs implements §4.5 rule 1: every declared output must
// exist, or have a metadata record explaining why it should exist (e.g.
// it was intentionally cleaned).
func (s *PipelineStage) validateOutputs(ctx *PipelineContext, store *OutputMetaStore) error {
	for _, out := range ctx.Output {
		if fileExists(out) {
			continue
		}
		meta, err := store.Read(normalizedPath(out))
		if err != nil || meta == nil {
			return &MissingOutputError{StageName: s.Name, Path: out}
		}
		if !meta.Cleaned {
			return &MissingOutputError{StageName: s.Name, Path: out}
		}
	}
	return nil
}
