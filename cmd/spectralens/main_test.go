package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-spectra-lens/spectra"
	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

func writeSpectra(t *testing.T, path string) {
	t.Helper()

	s := spectra.New(spectra.InvolvementBoolean)
	defer s.Close()
	for line := 1; line <= 3; line++ {
		s.GetOrCreateNode(spectra.SourceCodeBlock{
			Package: "com.example", File: "Calc.java", Method: "add", Line: line, Kind: trace.NodeNormal,
		})
	}
	tr, err := s.AddTrace("pass", true)
	require.NoError(t, err)
	tr.SetInvolvement(0, true)
	tr.SetInvolvement(2, true)
	require.NoError(t, tr.AddExecutionTrace([]int32{0, 2, 0, 2, 0, 2}))
	require.NoError(t, spectra.SaveFile(path, s, spectra.SaveOptions{}))
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestSpillConfigKeepsSpillDir(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	seqConfig, closeSpill, err := spillConfig(&spectra.Config{CacheMB: 1, SpillDir: dir})
	require.NoError(t, err)
	require.NotNil(t, seqConfig.Storage)
	assert.Len(t, dirNames(t, dir), 2)

	closeSpill()
	assert.Equal(t, []string{"keep.txt"}, dirNames(t, dir))
}

func TestSpillConfigDisabled(t *testing.T) {
	t.Parallel()

	seqConfig, closeSpill, err := spillConfig(&spectra.Config{SpillDir: t.TempDir()})
	require.NoError(t, err)
	defer closeSpill()
	assert.Nil(t, seqConfig.Storage)
	assert.Nil(t, seqConfig.Cache)
}

func TestRunWithSpill(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "in.zip")
	writeSpectra(t, input)
	out := filepath.Join(dir, "out.zip")

	config := &spectra.Config{
		SpectraFile: input,
		OutFile:     out,
		CSVFile:     filepath.Join(dir, "m.csv"),
		DiffFile:    input,
		Sparse:      true,
		CacheMB:     1,
		SpillDir:    dir,
	}
	require.NoError(t, config.Validate())
	require.NoError(t, run(config))
	assert.ElementsMatch(t, []string{"in.zip", "out.zip", "m.csv"}, dirNames(t, dir))

	s, err := spectra.LoadFile(out)
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Traces(), 1)
	tr := s.Traces()[0]
	assert.Equal(t, []int{0, 2}, tr.InvolvedNodes())
	require.Len(t, tr.ExecutionTraces(), 1)
	assert.Equal(t, int64(6), tr.ExecutionTraces()[0].Size())
}
