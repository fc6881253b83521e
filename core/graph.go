package core

import (
	"fmt"
	"os"
)

// GraphNode is a vertex in the dependency graph: one or more OutputMeta
// values sharing the same position in the DAG, plus materialised adjacency
// in both directions (§3). Built fresh from disk at the start of every
// dependency check; never mutated across runs.
type GraphNode struct {
	Values   []*OutputMeta
	Parents  []*GraphNode
	Children []*GraphNode
}

func (n *GraphNode) timestamp() int64 {
	var max int64
	for _, v := range n.Values {
		if v.Timestamp > max {
			max = v.Timestamp
		}
	}
	return max
}

func (n *GraphNode) maxTimestamp() int64 {
	max := n.timestamp()
	for _, p := range n.Parents {
		if m := p.maxTimestamp(); m > max {
			max = m
		}
	}
	return max
}

func containsNode(list []*GraphNode, n *GraphNode) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

// DependencyGraph is the forward/backward graph reconstructed from the
// OutputMetaStore's records (§4.2). Read-only for the life of one decision
// pass.
type DependencyGraph struct {
	nodes  []*GraphNode
	byPath map[string]*GraphNode
}

// BuildGraph reconstructs the dependency graph from a full scan of output
// metadata (§4.2). A metadata set describing a cycle is a hard error.
func BuildGraph(metas []*OutputMeta) (*DependencyGraph, error) {
	byPath := make(map[string]*GraphNode, len(metas))
	var order []*GraphNode
	for _, m := range metas {
		key := m.OutputPath
		if key == "" {
			key = normalizedPath(m.OutputFile)
		}
		node := byPath[key]
		if node == nil {
			node = &GraphNode{}
			byPath[key] = node
			order = append(order, node)
		}
		node.Values = append(node.Values, m)
	}

	attached := make(map[*GraphNode]bool, len(order))
	var topo []*GraphNode

	parentsOf := func(node *GraphNode) (parents []*GraphNode, allKnown bool) {
		seen := make(map[*GraphNode]bool)
		allKnown = true
		for _, v := range node.Values {
			for _, in := range v.Inputs {
				if pnode, ok := byPath[normalizedPath(in)]; ok {
					if !seen[pnode] {
						seen[pnode] = true
						parents = append(parents, pnode)
					}
				}
			}
		}
		return parents, allKnown
	}

	remaining := make([]*GraphNode, len(order))
	copy(remaining, order)

	for len(remaining) > 0 {
		var frontier []*GraphNode
		var next []*GraphNode
		for _, node := range remaining {
			parents, _ := parentsOf(node)
			ready := true
			for _, p := range parents {
				if !attached[p] {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, node)
			} else {
				next = append(next, node)
			}
		}
		if len(frontier) == 0 {
			names := make([]string, 0, len(remaining))
			for _, n := range remaining {
				for _, v := range n.Values {
					names = append(names, v.OutputPath)
				}
			}
			return nil, &CycleError{Remaining: names}
		}
		for _, node := range frontier {
			parents, _ := parentsOf(node)
			for _, p := range parents {
				if !containsNode(p.Children, node) {
					p.Children = append(p.Children, node)
				}
				if !containsNode(node.Parents, p) {
					node.Parents = append(node.Parents, p)
				}
			}
			attached[node] = true
			topo = append(topo, node)
		}
		remaining = next
	}

	g := &DependencyGraph{nodes: topo, byPath: byPath}
	g.computeUpToDate()
	return g, nil
}

// computeUpToDate performs the backward sweep of §4.2, processing nodes in
// reverse topological order so every child is resolved before its parents
// are asked about it.
func (g *DependencyGraph) computeUpToDate() {
	for i := len(g.nodes) - 1; i >= 0; i-- {
		node := g.nodes[i]
		for _, v := range node.Values {
			v.MaxTimestamp = node.maxTimestamp()
			v.UpToDate = valueUpToDate(node, v)
		}
	}
}

func valueUpToDate(node *GraphNode, v *OutputMeta) bool {
	for _, p := range node.Parents {
		for _, in := range v.Inputs {
			if pv := p.valueForPath(normalizedPath(in)); pv != nil {
				if p.maxTimestamp() >= v.Timestamp {
					return false
				}
			}
		}
	}
	if fileExists(v.OutputFile) {
		return true
	}
	if !v.Cleaned {
		return false
	}
	if len(node.Children) == 0 {
		return false
	}
	for _, child := range node.Children {
		for _, cv := range child.Values {
			if !cv.UpToDate {
				return false
			}
		}
	}
	return true
}

func (n *GraphNode) valueForPath(path string) *OutputMeta {
	for _, v := range n.Values {
		if v.OutputPath == path {
			return v
		}
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// EntryFor locates the node whose outputPath matches path, or nil.
func (g *DependencyGraph) EntryFor(path string) *GraphNode {
	return g.byPath[normalizedPath(path)]
}

// Leaves returns, depth-first, the nodes with no children: the graph's
// final outputs.
func (g *DependencyGraph) Leaves() []*GraphNode {
	var leaves []*GraphNode
	visited := make(map[*GraphNode]bool, len(g.nodes))
	var visit func(n *GraphNode)
	visit = func(n *GraphNode) {
		if visited[n] {
			return
		}
		visited[n] = true
		if len(n.Children) == 0 {
			leaves = append(leaves, n)
			return
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, n := range g.nodes {
		if len(n.Parents) == 0 {
			visit(n)
		}
	}
	return leaves
}

// Filter returns a new graph containing only the ancestors and descendants
// of the node for path (§4.2), for display purposes. Ancestor nodes are
// cloned with their children restricted to the relevant lineage only.
func (g *DependencyGraph) Filter(path string) (*DependencyGraph, error) {
	start := g.EntryFor(path)
	if start == nil {
		return nil, fmt.Errorf("no such output: %s", path)
	}
	clones := make(map[*GraphNode]*GraphNode)
	clone := func(orig *GraphNode) *GraphNode {
		if c, ok := clones[orig]; ok {
			return c
		}
		c := &GraphNode{Values: orig.Values}
		clones[orig] = c
		return c
	}

	var visitDown func(orig *GraphNode)
	visitDown = func(orig *GraphNode) {
		c := clone(orig)
		for _, ch := range orig.Children {
			chClone := clone(ch)
			if !containsNode(c.Children, chClone) {
				c.Children = append(c.Children, chClone)
			}
			if !containsNode(chClone.Parents, c) {
				chClone.Parents = append(chClone.Parents, c)
			}
			visitDown(ch)
		}
	}
	visitDown(start)

	visitedUp := make(map[*GraphNode]bool)
	var visitUp func(orig *GraphNode, origChild *GraphNode)
	visitUp = func(orig *GraphNode, origChild *GraphNode) {
		if visitedUp[orig] {
			return
		}
		visitedUp[orig] = true
		childClone := clone(origChild)
		for _, p := range orig.Parents {
			pClone := clone(p)
			if !containsNode(pClone.Children, childClone) {
				pClone.Children = append(pClone.Children, childClone)
			}
			if !containsNode(childClone.Parents, pClone) {
				childClone.Parents = append(childClone.Parents, pClone)
			}
			visitUp(p, p)
		}
	}
	visitUp(start, start)

	nodes := make([]*GraphNode, 0, len(clones))
	byPath := make(map[string]*GraphNode, len(clones))
	for orig, c := range clones {
		nodes = append(nodes, c)
		for _, v := range orig.Values {
			byPath[v.OutputPath] = c
		}
	}
	return &DependencyGraph{nodes: nodes, byPath: byPath}, nil
}

// CheckUpToDate implements §4.2's combined rule used by stages deciding
// whether they may be skipped.
func (g *DependencyGraph) CheckUpToDate(outputs, inputs []string) bool {
	if len(outputs) == 0 {
		return true
	}
	if len(inputs) == 0 {
		for _, o := range outputs {
			if !fileExists(o) {
				return false
			}
		}
		return true
	}

	var maxInputTime int64
	haveInputTime := false
	for _, in := range inputs {
		if info, err := os.Stat(in); err == nil {
			haveInputTime = true
			if t := info.ModTime().UnixMilli(); t > maxInputTime {
				maxInputTime = t
			}
		}
	}

	var older []string
	for _, o := range outputs {
		info, err := os.Stat(o)
		if err != nil {
			older = append(older, o)
			continue
		}
		if haveInputTime && info.ModTime().UnixMilli() < maxInputTime {
			older = append(older, o)
		}
	}
	if len(older) == 0 {
		return true
	}
	for _, o := range older {
		if fileExists(o) {
			return false
		}
	}
	for _, o := range older {
		node := g.EntryFor(o)
		if node == nil {
			continue
		}
		v := node.valueForPath(normalizedPath(o))
		if v == nil {
			continue
		}
		if !(v.Cleaned && v.UpToDate) {
			return false
		}
	}
	return true
}
