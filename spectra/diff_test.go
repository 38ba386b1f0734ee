package spectra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

func TestDiffNodes(t *testing.T) {
	t.Parallel()

	build := func(lines ...int) *Spectra {
		s := New(InvolvementBoolean)
		for _, line := range lines {
			s.GetOrCreateNode(calcBlock(line, trace.NodeNormal))
		}
		return s
	}

	t.Run("changed", func(t *testing.T) {
		diff, err := DiffNodes(build(1, 2, 3), build(1, 3, 4), "old.zip", "new.zip")
		require.NoError(t, err)

		assert.False(t, diff.Equal())
		assert.Equal(t, []string{"com.example:Calc.java:add:4"}, diff.Added)
		assert.Equal(t, []string{"com.example:Calc.java:add:2"}, diff.Removed)
		assert.Contains(t, diff.Unified, "--- old.zip")
		assert.Contains(t, diff.Unified, "+++ new.zip")
		assert.Contains(t, diff.Unified, "-com.example:Calc.java:add:2\n")
		assert.Contains(t, diff.Unified, "+com.example:Calc.java:add:4\n")
	})

	t.Run("identical", func(t *testing.T) {
		diff, err := DiffNodes(build(1, 2), build(1, 2), "a", "b")
		require.NoError(t, err)

		assert.True(t, diff.Equal())
		assert.Empty(t, diff.Added)
		assert.Empty(t, diff.Removed)
	})

	t.Run("reordered", func(t *testing.T) {
		diff, err := DiffNodes(build(1, 2), build(2, 1), "a", "b")
		require.NoError(t, err)

		assert.False(t, diff.Equal())
		assert.Empty(t, diff.Added)
		assert.Empty(t, diff.Removed)
	})
}
