package spectra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t.Parallel()

	s := sampleSpectra(t, InvolvementBoolean)
	defer s.Close()

	c := Summarize(s)
	assert.Equal(t, SummaryCounts{
		Nodes:               5,
		CoveredNodes:        5,
		FailureCoveredNodes: 2,
		PassingTraces:       2,
		FailingTraces:       1,
		ExecutionTraces:     2,
	}, c)
	assert.Equal(t, "5 nodes (5 covered, 2 by failing tests), 3 traces (1 failing), 2 execution traces", c.String())
}

func TestRenderSummaryChart(t *testing.T) {
	t.Parallel()

	s := sampleSpectra(t, InvolvementCount)
	defer s.Close()
	dir := t.TempDir()

	for _, name := range []string{"summary.png", "summary.jpg", "summary.svg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, RenderSummaryChart(path, s), name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	require.Error(t, RenderSummaryChart(filepath.Join(dir, "summary.gif"), s))
	require.ErrorIs(t, RenderSummaryChart(filepath.Join(dir, "empty.png"), New(InvolvementBoolean)), ErrEmptySpectra)
}
