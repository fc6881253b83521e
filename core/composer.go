package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Node is one element of the composed-pipeline AST the Composer walks at
// run time: a Stage, a sequential join (Seq), or a fan-out (Fanout). This
// is the explicit-AST design called for in §9's design notes, replacing
// inheritance/closure-based composition.
type Node interface {
	isNode()
}

// StageNode wraps a single named stage body.
type StageNode struct {
	Name string
	Body StageBody
}

func (*StageNode) isNode() {}

// Stage is the `a` in `a + b`: a leaf node running one stage body.
func Stage(name string, body StageBody) Node {
	return &StageNode{Name: name, Body: body}
}

// SeqNode is the `+` operator: run A, then run B against A's resolved
// next-inputs.
type SeqNode struct {
	A, B Node
}

func (*SeqNode) isNode() {}

// Seq composes a + b.
func Seq(a, b Node) Node {
	return &SeqNode{A: a, B: b}
}

// SeqAll composes a chain of nodes left to right; a convenience over
// repeated Seq calls.
func SeqAll(nodes ...Node) Node {
	if len(nodes) == 0 {
		return Stage("noop", func(*PipelineContext) error { return nil })
	}
	n := nodes[0]
	for _, next := range nodes[1:] {
		n = Seq(n, next)
	}
	return n
}

// FanoutNode is the `*` operator: run Segments once per branch, either
// over an explicit set of Keys (chromosomes/samples/regions) or over
// groups recovered by splitting the current input against Pattern.
type FanoutNode struct {
	Keys     []string
	Pattern  string
	Segments []Node
}

func (*FanoutNode) isNode() {}

// FanoutKeys composes key * [segments...] over an explicit set of branch
// keys.
func FanoutKeys(keys []string, segments ...Node) Node {
	return &FanoutNode{Keys: keys, Segments: segments}
}

// FanoutPattern composes a glob-style pattern * [segments...], splitting
// the current input by pattern at run time (§4.6 "Filename-pattern
// splitting").
func FanoutPattern(pattern string, segments ...Node) Node {
	return &FanoutNode{Pattern: pattern, Segments: segments}
}

// Composer builds the stage DAG from a composed Node expression and
// drives its execution (§4.6).
type Composer struct {
	Store  *OutputMetaStore
	Runner CommandRunner
	Cfg    RunConfig
}

// NewComposer builds a Composer that persists metadata to store and runs
// commands through runner.
func NewComposer(store *OutputMetaStore, runner CommandRunner, cfg RunConfig) *Composer {
	return &Composer{Store: store, Runner: runner, Cfg: cfg}
}

// Run interprets root against input, returning the root Pipeline (whose
// Stages/Children reflect everything that ran) and the first error
// encountered.
func (c *Composer) Run(root Node, input []string) (*Pipeline, error) {
	p := NewPipeline("root", "")
	_, err := c.interpret(p, root, input)
	return p, err
}

func (c *Composer) interpret(p *Pipeline, n Node, input []string) ([]string, error) {
	switch node := n.(type) {
	case *StageNode:
		stage := NewPipelineStage(node.Name, node.Body)
		ctx, err := p.RunStage(stage, input, c.Store)
		if err != nil {
			return nil, err
		}
		return ctx.NextInputs(), nil
	case *SeqNode:
		mid, err := c.interpret(p, node.A, input)
		if err != nil {
			return nil, err
		}
		return c.interpret(p, node.B, mid)
	case *FanoutNode:
		return c.runFanout(p, node, input)
	default:
		return nil, fmt.Errorf("unknown pipeline node type %T", n)
	}
}

// runFanout forks one child Pipeline per branch and runs node.Segments
// against each concurrently, under a worker pool sized from config (§5),
// then merges the children back into p (§4.6).
func (c *Composer) runFanout(p *Pipeline, node *FanoutNode, input []string) ([]string, error) {
	branches, err := splitBranches(node, input, p)
	if err != nil {
		return nil, err
	}
	children := p.Fork(branches)

	workers := c.Cfg.fanoutWorkers()
	slots := make(chan struct{}, workers)
	var eg errgroup.Group
	for _, child := range children {
		child := child
		slots <- struct{}{}
		eg.Go(func() error {
			defer func() { <-slots }()
			childInput := child.CurrentInputs(nil)
			for _, seg := range node.Segments {
				var segErr error
				childInput, segErr = c.interpret(child, seg, childInput)
				if segErr != nil {
					// A stage failure is already recorded on child.Failed /
					// child.FailExceptions by RunStage; any other error (a
					// nested fan-out's Merge, a pattern split) is recorded
					// here. Siblings still run to completion so Merge can
					// aggregate every failure, matching §4.6's "any child
					// exception is captured... after all children finish".
					if !child.Failed {
						child.Failed = true
						child.FailExceptions = append(child.FailExceptions, segErr)
					}
					return nil
				}
			}
			return nil
		})
	}
	// eg.Wait's return is intentionally ignored: per-branch failures are
	// captured on each child Pipeline, not surfaced through the errgroup,
	// since every branch must be allowed to finish before merging (§4.6).
	_ = eg.Wait()

	return p.Merge()
}

// splitBranches resolves a FanoutNode's branch set against the current
// input (§4.6).
func splitBranches(node *FanoutNode, input []string, p *Pipeline) (map[string][]string, error) {
	if node.Pattern != "" {
		return splitByPattern(node.Pattern, input, p)
	}
	branches := make(map[string][]string, len(node.Keys))
	for _, k := range node.Keys {
		branches[k] = input
	}
	return branches, nil
}

func compilePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString("([^/]+)")
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// splitByPattern implements §4.6's filename-pattern splitting: '%' is the
// sample-id capture, '*' a free wildcard. If no file in inputs matches, it
// walks backwards through the pipeline's prior stage inputs looking for a
// match (enabling patterns that match upstream data) before giving up.
func splitByPattern(pattern string, inputs []string, p *Pipeline) (map[string][]string, error) {
	re := compilePattern(pattern)

	tryMatch := func(files []string) (map[string][]string, bool) {
		groups := make(map[string][]string)
		matched := false
		for _, f := range files {
			m := re.FindStringSubmatch(filepath.Base(f))
			if m == nil {
				continue
			}
			matched = true
			id := "1"
			if len(m) > 1 {
				id = m[1]
			}
			groups[id] = append(groups[id], f)
		}
		return groups, matched
	}

	if groups, ok := tryMatch(inputs); ok {
		return groups, nil
	}

	for i := len(p.contexts) - 1; i >= 0; i-- {
		if groups, ok := tryMatch(p.contexts[i].Input); ok {
			return groups, nil
		}
	}

	if pattern == "*" {
		return map[string][]string{"1": append([]string(nil), inputs...)}, nil
	}
	return nil, &PatternMatchError{Pattern: pattern, Inputs: inputs}
}
