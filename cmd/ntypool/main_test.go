package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptolstoi/ntypool/nty"
)

func TestPackListExtract(t *testing.T) {
	src := t.TempDir()
	crest := bytes.Repeat([]byte("guild crest "), 400)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "icons"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "icons", "crest.dds"), crest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "readme.txt"), []byte("hello"), 0o644))

	work := t.TempDir()
	container := filepath.Join(work, "base.nty")
	require.NoError(t, run([]string{"--log-level", "warn", "pack", "--out", container,
		"--compression", "lz4", "--segment-size", "1KiB", src}))

	reader, err := nty.Open(container)
	require.NoError(t, err)
	entry, ok := reader.Lookup("icons/crest.dds")
	require.True(t, ok)
	assert.Equal(t, uint32(5), entry.Count)
	require.NoError(t, reader.Close())

	require.NoError(t, run([]string{"ls", container}))

	cfg := filepath.Join(work, "ntypool.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf("volumes:\n  - path: %s\n", container)), 0o644))
	out := filepath.Join(work, "crest.dds")
	require.NoError(t, run([]string{"extract", "--config", cfg, "-o", out, "icons/crest.dds"}))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, crest, got)
}

func TestRunErrors(t *testing.T) {
	assert.Error(t, run(nil))
	assert.Error(t, run([]string{"frobnicate"}))
	assert.Error(t, run([]string{"--log-level", "loud", "ls", "x"}))
	assert.Error(t, run([]string{"pack", t.TempDir()}))
	assert.Error(t, run([]string{"ls"}))
	assert.NoError(t, run([]string{"--help"}))
}
