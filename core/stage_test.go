package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageRunPersistsTrackedOutputMetadata(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutputMetaStore(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "out.txt")
	stage := NewPipelineStage("write", func(ctx *PipelineContext) error {
		writeFile(t, out, "contents")
		ctx.Track("make-out", out)
		return nil
	})

	ctx := NewPipelineContext("write", "", []string{filepath.Join(dir, "in.txt")})
	_, err = stage.Run(ctx, store)
	require.NoError(t, err)
	require.True(t, store.Exists(normalizedPath(out)))
}

func TestStageRunFailsOnMissingDeclaredOutput(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutputMetaStore(dir)
	require.NoError(t, err)

	stage := NewPipelineStage("forget", func(ctx *PipelineContext) error {
		ctx.Output = append(ctx.Output, filepath.Join(dir, "never-written.txt"))
		return nil
	})

	ctx := NewPipelineContext("forget", "", nil)
	_, err = stage.Run(ctx, store)
	require.Error(t, err)
	var missing *MissingOutputError
	require.ErrorAs(t, err, &missing)
}

func TestStageRunAllowsMissingOutputWithCleanedRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutputMetaStore(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "cleaned.txt")
	require.NoError(t, store.Save(&OutputMeta{
		OutputFile: out,
		Cleaned:    true,
		Timestamp:  1,
	}))

	stage := NewPipelineStage("noop", func(ctx *PipelineContext) error {
		ctx.Output = append(ctx.Output, out)
		return nil
	})
	ctx := NewPipelineContext("noop", "", nil)
	_, err = stage.Run(ctx, store)
	require.NoError(t, err)
}

func TestStageRunSkipsRepersistingUnchangedOutput(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutputMetaStore(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "stable.txt")
	writeFile(t, out, "v1")

	// First run persists metadata for the file as it exists right now.
	first := NewPipelineStage("make", func(ctx *PipelineContext) error {
		ctx.Track("make", out)
		return nil
	})
	_, err = first.Run(NewPipelineContext("make", "", nil), store)
	require.NoError(t, err)
	before, err := store.Read(normalizedPath(out))
	require.NoError(t, err)

	// Second run tracks the same output under a different command without
	// touching the file; its fingerprint/record should be left alone rather
	// than rewritten with the new command's fingerprint.
	second := NewPipelineStage("make", func(ctx *PipelineContext) error {
		ctx.Track("make-again", out)
		return nil
	})
	_, err = second.Run(NewPipelineContext("make", "", nil), store)
	require.NoError(t, err)
	after, err := store.Read(normalizedPath(out))
	require.NoError(t, err)
	require.Equal(t, before.Fingerprint, after.Fingerprint)
}

func TestStageRunRepersistsWhenOutputWasRegenerated(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutputMetaStore(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "regenerated.txt")
	writeFile(t, out, "v1")

	first := NewPipelineStage("make", func(ctx *PipelineContext) error {
		ctx.Track("make-v1", out)
		return nil
	})
	_, err = first.Run(NewPipelineContext("make", "", nil), store)
	require.NoError(t, err)
	before, err := store.Read(normalizedPath(out))
	require.NoError(t, err)

	// Simulate the stage genuinely regenerating the file with a new mtime
	// and a different command before the next run.
	writeFile(t, out, "v2")
	newer := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(out, newer, newer))

	second := NewPipelineStage("make", func(ctx *PipelineContext) error {
		ctx.Track("make-v2", out)
		return nil
	})
	_, err = second.Run(NewPipelineContext("make", "", nil), store)
	require.NoError(t, err)
	after, err := store.Read(normalizedPath(out))
	require.NoError(t, err)

	require.NotEqual(t, before.Fingerprint, after.Fingerprint, "a regenerated output must be re-persisted, not skipped")
	require.Equal(t, "make-v2", after.Command)
}
