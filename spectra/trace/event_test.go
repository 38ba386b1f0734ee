package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeKindFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NodeNormal, NodeKindFor(BranchNone))
	assert.Equal(t, NodeNormal, NodeKindFor(BranchSwitch))
	assert.Equal(t, NodeTrueBranch, NodeKindFor(BranchTrue))
	assert.Equal(t, NodeFalseBranch, NodeKindFor(BranchFalse))

	assert.Equal(t, "T", NodeTrueBranch.String())
	assert.Equal(t, "F", NodeFalseBranch.String())
	assert.Empty(t, NodeNormal.String())
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	a := []RawEvent{stmt(1, 0), stmt(1, 1), stmt(1, 2)}
	assert.Equal(t, keyOf(a), keyOf([]RawEvent{stmt(1, 0), stmt(1, 1), stmt(1, 2)}))
	assert.NotEqual(t, keyOf(a), keyOf([]RawEvent{stmt(1, 0), stmt(1, 3), stmt(1, 2)}))
	assert.NotEqual(t, keyOf(a), keyOf([]RawEvent{stmt(1, 0), {ClassID: 1, CounterID: 1, Kind: BranchTrue}, stmt(1, 2)}))
	assert.NotEqual(t, keyOf(a), keyOf(a[:2]))
}
