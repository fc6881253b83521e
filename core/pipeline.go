package core

import (
	"sort"

	"github.com/hdashnow/bpipe/bpipelog"
)

// Pipeline is an ordered sequence of stages, plus whatever children a
// fan-out forked from it (§3, §4.6). Contexts and stages are created as
// the pipeline executes. The nameApplied field is never set or read:
// branch names are not applied to output paths.
type Pipeline struct {
	Name        string
	Branch      string
	nameApplied bool

	Stages   []*PipelineStage
	contexts []*PipelineContext

	Children []*Pipeline

	Failed         bool
	FailExceptions []error
}

// NewPipeline creates an (initially empty) pipeline with the given branch
// identity. branch is "" for the root pipeline.
func NewPipeline(name, branch string) *Pipeline {
	return &Pipeline{Name: name, Branch: branch}
}

// CurrentInputs returns the input list the next stage appended to p would
// see: the prior stage's NextInputs(), or the pipeline's own starting
// input if it has no stages yet.
func (p *Pipeline) CurrentInputs(initial []string) []string {
	if len(p.contexts) == 0 {
		return initial
	}
	return p.contexts[len(p.contexts)-1].NextInputs()
}

// RunStage runs stage against input, in declaration order relative to any
// prior stage in p (§5: "within a single Pipeline, stages run strictly in
// declaration order"). On success the stage and its resulting context are
// appended to p. A failing stage marks p failed and returns the error;
// callers are expected to stop walking the rest of the sequence.
func (p *Pipeline) RunStage(stage *PipelineStage, input []string, store *OutputMetaStore) (*PipelineContext, error) {
	ctx := NewPipelineContext(stage.Name, p.Branch, input)
	ctx, err := stage.Run(ctx, store)
	if err != nil {
		p.Failed = true
		p.FailExceptions = append(p.FailExceptions, err)
		return ctx, err
	}
	p.Stages = append(p.Stages, stage)
	p.contexts = append(p.contexts, ctx)
	return ctx, nil
}

// Fork creates one child Pipeline per branch key, each carrying a synthetic
// "prior" stage whose output is that branch's slice of inputs, so
// downstream stage resolution finds them as its starting input (§4.6).
func (p *Pipeline) Fork(branches map[string][]string) []*Pipeline {
	keys := make([]string, 0, len(branches))
	for k := range branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]*Pipeline, 0, len(keys))
	for _, key := range keys {
		child := NewPipeline(p.Name, key)
		priorCtx := NewPipelineContext("prior", key, nil)
		priorCtx.SetNextInputs(branches[key])
		priorStage := NewPipelineStage("prior", func(ctx *PipelineContext) error { return nil })
		child.Stages = append(child.Stages, priorStage)
		child.contexts = append(child.contexts, priorCtx)
		children = append(children, child)
	}
	p.Children = append(p.Children, children...)
	return children
}

// Merge folds p's children's stages back into p (§4.6), once all children
// have finished running. Joiners (the synthetic "prior" stage) and stages
// already present on p are excluded. Children are aligned by index after
// padding the shorter stage lists with nil, and at each index, stages are
// grouped by name; each group becomes one merged stage whose RawOutput is
// the concatenation of the children's NextInputs()-or-Output, in sorted
// branch order, deduplicated.
//
// This is what lets a downstream stage see a parallel segment as a flat
// sequence: the grouped, concatenated outputs become that stage's input.
func (p *Pipeline) Merge() ([]string, error) {
	if len(p.Children) == 0 {
		return p.CurrentInputs(nil), nil
	}

	var errs []error
	for _, c := range p.Children {
		if c.Failed {
			errs = append(errs, c.FailExceptions...)
		}
	}
	if len(errs) > 0 {
		return nil, NewBranchError(errs)
	}

	sort.Slice(p.Children, func(i, j int) bool {
		return p.Children[i].Branch < p.Children[j].Branch
	})

	type childStage struct {
		stage *PipelineStage
		ctx   *PipelineContext
	}
	perChild := make([][]childStage, len(p.Children))
	maxLen := 0
	for i, c := range p.Children {
		for j, s := range c.Stages {
			if s.Name == "prior" {
				continue
			}
			perChild[i] = append(perChild[i], childStage{stage: s, ctx: c.contexts[j]})
		}
		if len(perChild[i]) > maxLen {
			maxLen = len(perChild[i])
		}
	}

	var lastOutputs []string
	lastOutputsSeen := make(map[string]struct{})
	for idx := 0; idx < maxLen; idx++ {
		byName := make(map[string][]childStage)
		var nameOrder []string
		for _, cs := range perChild {
			if idx >= len(cs) {
				continue
			}
			entry := cs[idx]
			if _, ok := byName[entry.stage.Name]; !ok {
				nameOrder = append(nameOrder, entry.stage.Name)
			}
			byName[entry.stage.Name] = append(byName[entry.stage.Name], entry)
		}
		for _, name := range nameOrder {
			group := byName[name]
			merged := NewPipelineStage(name, func(ctx *PipelineContext) error { return nil })
			mergedCtx := NewPipelineContext(name, p.Branch, nil)
			seen := make(map[string]struct{})
			var rawOutput []string
			for _, entry := range group {
				for _, o := range entry.ctx.NextInputs() {
					if _, dup := seen[o]; dup {
						continue
					}
					seen[o] = struct{}{}
					rawOutput = append(rawOutput, o)
				}
			}
			mergedCtx.RawOutput = rawOutput
			p.Stages = append(p.Stages, merged)
			p.contexts = append(p.contexts, mergedCtx)
			if idx == maxLen-1 {
				for _, o := range rawOutput {
					if _, dup := lastOutputsSeen[o]; dup {
						continue
					}
					lastOutputsSeen[o] = struct{}{}
					lastOutputs = append(lastOutputs, o)
				}
			}
		}
	}

	bpipelog.For("pipeline").Debug().
		Int("children", len(p.Children)).
		Strs("merged_output", lastOutputs).
		Msg("merged fan-out children")

	return lastOutputs, nil
}
