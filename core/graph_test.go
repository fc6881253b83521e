package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// touchOlder sets path's mtime to one hour before reference's current mtime.
func touchOlder(t *testing.T, path, reference string) {
	t.Helper()
	info, err := os.Stat(reference)
	require.NoError(t, err)
	older := info.ModTime().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, older, older))
}

func meta(dir, name string, inputs []string, ts int64) *OutputMeta {
	path := filepath.Join(dir, name)
	var in []string
	for _, i := range inputs {
		in = append(in, filepath.Join(dir, i))
	}
	return &OutputMeta{
		OutputFile: path,
		OutputPath: normalizedPath(path),
		Inputs:     in,
		Timestamp:  ts,
	}
}

func TestBuildGraphLayersAChainAndPropagatesTimestamps(t *testing.T) {
	dir := t.TempDir()
	a := meta(dir, "a.txt", nil, 100)
	b := meta(dir, "b.txt", []string{"a.txt"}, 200)
	c := meta(dir, "c.txt", []string{"b.txt"}, 300)

	g, err := BuildGraph([]*OutputMeta{a, b, c})
	require.NoError(t, err)

	nodeA := g.EntryFor(a.OutputPath)
	nodeB := g.EntryFor(b.OutputPath)
	nodeC := g.EntryFor(c.OutputPath)
	require.NotNil(t, nodeA)
	require.NotNil(t, nodeB)
	require.NotNil(t, nodeC)

	require.Contains(t, nodeA.Children, nodeB)
	require.Contains(t, nodeB.Parents, nodeA)
	require.Contains(t, nodeB.Children, nodeC)
	require.Contains(t, nodeC.Parents, nodeB)

	require.Equal(t, int64(300), nodeC.maxTimestamp())
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	b := meta(dir, "b.txt", []string{"c.txt"}, 100)
	c := meta(dir, "c.txt", []string{"b.txt"}, 200)

	_, err := BuildGraph([]*OutputMeta{b, c})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestValueUpToDateStaleWhenParentIsNewer(t *testing.T) {
	dir := t.TempDir()
	a := meta(dir, "a.txt", nil, 500)
	writeFile(t, a.OutputFile, "a")
	b := meta(dir, "b.txt", []string{"a.txt"}, 100) // older than its parent
	writeFile(t, b.OutputFile, "b")

	g, err := BuildGraph([]*OutputMeta{a, b})
	require.NoError(t, err)

	nodeB := g.EntryFor(b.OutputPath)
	require.False(t, nodeB.Values[0].UpToDate, "b is older than its parent a and must be stale")
}

func TestValueUpToDateCleanedButDescendantsCurrent(t *testing.T) {
	dir := t.TempDir()
	a := meta(dir, "a.txt", nil, 100)
	writeFile(t, a.OutputFile, "a")

	b := meta(dir, "b.txt", []string{"a.txt"}, 200)
	b.Cleaned = true // intentionally deleted, not on disk

	c := meta(dir, "c.txt", []string{"b.txt"}, 300)
	writeFile(t, c.OutputFile, "c")

	g, err := BuildGraph([]*OutputMeta{a, b, c})
	require.NoError(t, err)

	nodeB := g.EntryFor(b.OutputPath)
	nodeC := g.EntryFor(c.OutputPath)
	require.True(t, nodeC.Values[0].UpToDate)
	require.True(t, nodeB.Values[0].UpToDate,
		"a cleaned intermediate output is up to date when every descendant is")
}

func TestValueUpToDateCleanedLeafIsNeverUpToDate(t *testing.T) {
	dir := t.TempDir()
	a := meta(dir, "a.txt", nil, 100)
	writeFile(t, a.OutputFile, "a")

	b := meta(dir, "b.txt", []string{"a.txt"}, 200)
	b.Cleaned = true

	g, err := BuildGraph([]*OutputMeta{a, b})
	require.NoError(t, err)

	nodeB := g.EntryFor(b.OutputPath)
	require.False(t, nodeB.Values[0].UpToDate, "a cleaned leaf output has no descendants to vouch for it")
}

func TestCheckUpToDateEmptyOutputsIsTrivial(t *testing.T) {
	g := &DependencyGraph{byPath: map[string]*GraphNode{}}
	require.True(t, g.CheckUpToDate(nil, []string{"anything"}))
}

func TestCheckUpToDateEmptyInputsRequiresAllOutputsExist(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	writeFile(t, present, "x")
	missing := filepath.Join(dir, "missing.txt")

	g := &DependencyGraph{byPath: map[string]*GraphNode{}}
	require.True(t, g.CheckUpToDate([]string{present}, nil))
	require.False(t, g.CheckUpToDate([]string{present, missing}, nil))
}

func TestCheckUpToDateFalseWhenOutputOlderAndStillPresent(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.txt")
	writeFile(t, input, "in")

	output := filepath.Join(dir, "out.txt")
	writeFile(t, output, "out")
	touchOlder(t, output, input)

	g := &DependencyGraph{byPath: map[string]*GraphNode{}}
	require.False(t, g.CheckUpToDate([]string{output}, []string{input}))
}
