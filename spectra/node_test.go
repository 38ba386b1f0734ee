package spectra

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

func TestSourceCodeBlockIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		block SourceCodeBlock
		want  string
	}{
		{"normal", SourceCodeBlock{"com.example", "Calc.java", "add", 10, trace.NodeNormal}, "com.example:Calc.java:add:10"},
		{"true_branch", SourceCodeBlock{"com.example", "Calc.java", "add", 11, trace.NodeTrueBranch}, "com.example:Calc.java:add:11:T"},
		{"false_branch", SourceCodeBlock{"com.example", "Calc.java", "add", 11, trace.NodeFalseBranch}, "com.example:Calc.java:add:11:F"},
		{"empty_names", SourceCodeBlock{Line: 3}, ":::3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.block.Identifier())
			parsed, err := ParseSourceCodeBlock(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.block, parsed)
		})
	}
}

func TestParseSourceCodeBlockErrors(t *testing.T) {
	t.Parallel()

	for _, id := range []string{
		"",
		"com.example:Calc.java:add",
		"com.example:Calc.java:add:ten",
		"com.example:Calc.java:add:10:X",
		"com.example:Calc.java:add:10:T:extra",
	} {
		_, err := ParseSourceCodeBlock(id)
		assert.ErrorIs(t, err, errInvalidIdentifier, id)
	}
}

func TestSourceCodeBlockValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, SourceCodeBlock{Package: "a.b", File: "C.java", Method: "<init>", Line: 1}.validate())
	assert.Error(t, SourceCodeBlock{Package: "a", File: "C:D.java", Method: "m"}.validate())
	assert.Error(t, SourceCodeBlock{Package: "a", File: "C.java", Method: "m\tn"}.validate())
}

func TestCompareBlocks(t *testing.T) {
	t.Parallel()

	blocks := []SourceCodeBlock{
		{"b", "A.java", "m", 1, trace.NodeNormal},
		{"a", "B.java", "m", 1, trace.NodeNormal},
		{"a", "A.java", "m", 7, trace.NodeFalseBranch},
		{"a", "A.java", "m", 7, trace.NodeNormal},
		{"a", "A.java", "m", 2, trace.NodeNormal},
	}
	slices.SortFunc(blocks, compareBlocks)

	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.Identifier()
	}
	assert.Equal(t, []string{"a:A.java:m:2", "a:A.java:m:7", "a:A.java:m:7:F", "a:B.java:m:1", "b:A.java:m:1"}, ids)
}

func TestIndexedIdentifier(t *testing.T) {
	t.Parallel()

	names := newNameIndex()
	add := SourceCodeBlock{"com.example", "Calc.java", "add", 10, trace.NodeNormal}
	sub := SourceCodeBlock{"com.example", "Calc.java", "sub", 12, trace.NodeTrueBranch}

	assert.Equal(t, "0:1:2:10", names.indexedIdentifier(add))
	assert.Equal(t, "0:1:3:12:T", names.indexedIdentifier(sub))
	assert.Equal(t, []string{"com.example", "Calc.java", "add", "sub"}, names.names)

	parsed, err := parseIndexedIdentifier("0:1:3:12:T", names.names)
	require.NoError(t, err)
	assert.Equal(t, sub, parsed)

	_, err = parseIndexedIdentifier("0:9:3:12", names.names)
	require.ErrorIs(t, err, errInvalidIdentifier)
	_, err = parseIndexedIdentifier("pkg:1:3:12", names.names)
	require.ErrorIs(t, err, errInvalidIdentifier)
}
