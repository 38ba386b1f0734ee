package trace

import (
	"fmt"
	"slices"

	"github.com/go-analyze/bulk"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

// ClassData describes an instrumented class.
type ClassData struct {
	SourceFile string
	// CounterLines maps a counter id to its source line, -1 where no line is known.
	CounterLines []int
}

// ProjectData is the instrumentation metadata needed to resolve raw events onto source locations.
type ProjectData struct {
	// ClassNames maps class ids to class names.
	ClassNames []string
	Classes    map[string]*ClassData
}

// Resolve maps a raw event onto its source location.
func (p *ProjectData) Resolve(e RawEvent) (Location, error) {
	if e.ClassID < 0 || int(e.ClassID) >= len(p.ClassNames) || p.ClassNames[e.ClassID] == "" {
		return Location{}, fmt.Errorf("%w: no class name for class id %d", ErrResolution, e.ClassID)
	}
	name := p.ClassNames[e.ClassID]
	class := p.Classes[name]
	if class == nil {
		return Location{}, fmt.Errorf("%w: no class data for %s", ErrResolution, name)
	} else if class.CounterLines == nil {
		return Location{}, fmt.Errorf("%w: no line map for %s", ErrResolution, name)
	} else if e.CounterID < 0 || int(e.CounterID) >= len(class.CounterLines) || class.CounterLines[e.CounterID] < 0 {
		return Location{}, fmt.Errorf("%w: no line for counter %d in %s", ErrResolution, e.CounterID, name)
	}
	return Location{
		SourceFile: class.SourceFile,
		Line:       class.CounterLines[e.CounterID],
		Kind:       NodeKindFor(e.Kind),
	}, nil
}

// NodeResolver finds the coverage node index of a source location.
type NodeResolver interface {
	NodeIndex(loc Location) (int, bool)
}

// SubtraceSource provides interned subtraces by id, Run implements it.
type SubtraceSource interface {
	// SubtraceCount returns the number of ids including the empty subtrace 0.
	SubtraceCount() int
	Subtrace(id SubtraceID) ([]RawEvent, error)
}

// TreeIndexer groups subtrace ids into higher level sequences.
type TreeIndexer interface {
	SequenceCount() int
	Sequence(index int) ([]int32, error)
}

// SequenceIndexer maps top level trace ids to subtrace id sequences, and subtrace ids to coverage node
// index sequences. Index 0 of both tables is the empty sequence.
type SequenceIndexer struct {
	subTraceIDSequences [][]int32
	nodeIDSequences     [][]int32
}

// NewSequenceIndexer wraps prebuilt tables.
func NewSequenceIndexer(subTraceIDSequences, nodeIDSequences [][]int32) *SequenceIndexer {
	return &SequenceIndexer{
		subTraceIDSequences: subTraceIDSequences,
		nodeIDSequences:     nodeIDSequences,
	}
}

// BuildSequenceIndexer resolves every subtrace onto coverage nodes. A nil tree maps each top level id to
// the subtrace with the same id.
func BuildSequenceIndexer(tree TreeIndexer, subtraces SubtraceSource, nodes NodeResolver, project *ProjectData) (*SequenceIndexer, error) {
	subCount := subtraces.SubtraceCount()
	var subTraceIDSequences [][]int32
	if tree == nil {
		subTraceIDSequences = make([][]int32, max(1, subCount))
		subTraceIDSequences[0] = []int32{}
		for i := 1; i < subCount; i++ {
			subTraceIDSequences[i] = []int32{int32(i)}
		}
	} else {
		subTraceIDSequences = make([][]int32, tree.SequenceCount())
		for i := range subTraceIDSequences {
			seq, err := tree.Sequence(i)
			if err != nil {
				return nil, fmt.Errorf("tree sequence %d: %w", i, err)
			}
			subTraceIDSequences[i] = seq
		}
	}

	nodeIDSequences := make([][]int32, max(1, subCount))
	nodeIDSequences[0] = []int32{}
	const batch = 1024
	eg := store.ErrGroupLimitCPU()
	for start := 1; start < subCount; start += batch {
		end := min(start+batch, subCount)
		eg.Go(func() error {
			for id := start; id < end; id++ {
				events, err := subtraces.Subtrace(SubtraceID(id))
				if err != nil {
					return fmt.Errorf("subtrace %d: %w", id, err)
				}
				seq := make([]int32, len(events))
				for i, e := range events {
					loc, err := project.Resolve(e)
					if err != nil {
						return fmt.Errorf("subtrace %d: %w", id, err)
					}
					idx, ok := nodes.NodeIndex(loc)
					if !ok {
						return fmt.Errorf("subtrace %d: %w: node not found %s:%d%s",
							id, ErrResolution, loc.SourceFile, loc.Line, loc.Kind)
					}
					seq[i] = int32(idx)
				}
				nodeIDSequences[id] = seq
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return NewSequenceIndexer(subTraceIDSequences, nodeIDSequences), nil
}

// SequenceCount returns the number of top level sequences.
func (ix *SequenceIndexer) SequenceCount() int {
	return len(ix.subTraceIDSequences)
}

// SubTraceCount returns the number of subtrace node sequences.
func (ix *SequenceIndexer) SubTraceCount() int {
	return len(ix.nodeIDSequences)
}

// SubTraceIDSequence returns the subtrace ids of a top level id, or nil when out of range.
func (ix *SequenceIndexer) SubTraceIDSequence(index int) []int32 {
	if index < 0 || index >= len(ix.subTraceIDSequences) {
		return nil
	}
	return ix.subTraceIDSequences[index]
}

// NodeIDSequence returns the node indices of a subtrace, or nil when out of range.
func (ix *SequenceIndexer) NodeIDSequence(subTraceID int) []int32 {
	if subTraceID < 0 || subTraceID >= len(ix.nodeIDSequences) {
		return nil
	}
	return ix.nodeIDSequences[subTraceID]
}

// RemoveFromSequences deletes every occurrence of nodeID from the node sequences, keeping the order of
// the remaining entries. Affected sequences are replaced by filtered copies, so slices previously returned
// by NodeIDSequence keep their content. Sequences without nodeID are left untouched.
func (ix *SequenceIndexer) RemoveFromSequences(nodeID int32) {
	for i, seq := range ix.nodeIDSequences {
		if slices.Contains(seq, nodeID) {
			ix.nodeIDSequences[i] = bulk.SliceFilter(func(v int32) bool {
				return v != nodeID
			}, seq)
		}
	}
}

// FullSequenceIterator lazily yields the node indices of a top level id.
func (ix *SequenceIndexer) FullSequenceIterator(index int64) *NodeIterator {
	return ix.newNodeIterator(index, false)
}

// FullSequenceReverseIterator lazily yields the node indices of a top level id in reverse order.
func (ix *SequenceIndexer) FullSequenceReverseIterator(index int64) *NodeIterator {
	return ix.newNodeIterator(index, true)
}

func (ix *SequenceIndexer) newNodeIterator(index int64, reverse bool) *NodeIterator {
	it := &NodeIterator{ix: ix, reverse: reverse}
	if index < 0 || index >= int64(len(ix.subTraceIDSequences)) {
		it.err = fmt.Errorf("sequence index out of range: %d", index)
		return it
	}
	it.outer = ix.subTraceIDSequences[index]
	if reverse {
		it.oi = len(it.outer) - 1
	}
	return it
}

// NodeIterator chains the node sequences of the subtraces of one top level sequence.
type NodeIterator struct {
	ix      *SequenceIndexer
	reverse bool
	outer   []int32
	oi      int
	inner   []int32
	ii      int
	value   int32
	err     error
}

// Next advances the iterator, returning false at the end or on error.
func (it *NodeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.reverse {
			if it.ii > 0 {
				it.ii--
				it.value = it.inner[it.ii]
				return true
			} else if it.oi < 0 {
				return false
			}
		} else {
			if it.ii < len(it.inner) {
				it.value = it.inner[it.ii]
				it.ii++
				return true
			} else if it.oi >= len(it.outer) {
				return false
			}
		}

		subID := it.outer[it.oi]
		if subID < 0 || int(subID) >= len(it.ix.nodeIDSequences) {
			it.err = fmt.Errorf("subtrace id out of range: %d", subID)
			return false
		}
		it.inner = it.ix.nodeIDSequences[subID]
		if it.reverse {
			it.oi--
			it.ii = len(it.inner)
		} else {
			it.oi++
			it.ii = 0
		}
	}
}

// Value returns the current node index.
func (it *NodeIterator) Value() int32 {
	return it.value
}

// Err returns the first error encountered.
func (it *NodeIterator) Err() error {
	return it.err
}

// MappedIterator expands a compressed trace of top level ids into coverage node indices.
type MappedIterator[T store.Element] struct {
	ids interface {
		Next() bool
		Value() T
		Err() error
	}
	ix      *SequenceIndexer
	reverse bool
	nodes   *NodeIterator
	value   int32
	err     error
}

// NewMappedIterator maps ct through ix in trace order. Empty sequences contribute nothing.
func NewMappedIterator[T store.Element](ct *CompressedTrace[T], ix *SequenceIndexer) *MappedIterator[T] {
	return &MappedIterator[T]{ids: ct.Iterator(), ix: ix}
}

// NewMappedReverseIterator maps ct through ix from the end of the trace to the start.
func NewMappedReverseIterator[T store.Element](ct *CompressedTrace[T], ix *SequenceIndexer) *MappedIterator[T] {
	return &MappedIterator[T]{ids: ct.ReverseIterator(), ix: ix, reverse: true}
}

// Next advances the iterator, returning false at the end or on error.
func (it *MappedIterator[T]) Next() bool {
	for it.err == nil {
		if it.nodes != nil {
			if it.nodes.Next() {
				it.value = it.nodes.Value()
				return true
			} else if it.err = it.nodes.Err(); it.err != nil {
				return false
			}
		}
		if !it.ids.Next() {
			it.err = it.ids.Err()
			return false
		}
		it.nodes = it.ix.newNodeIterator(int64(it.ids.Value()), it.reverse)
	}
	return false
}

// Value returns the current node index.
func (it *MappedIterator[T]) Value() int32 {
	return it.value
}

// Err returns the first error encountered.
func (it *MappedIterator[T]) Err() error {
	return it.err
}

// ReconstructFullMappedTrace materializes the full node index sequence of ct.
func ReconstructFullMappedTrace[T store.Element](ct *CompressedTrace[T], ix *SequenceIndexer) ([]int32, error) {
	var result []int32
	it := NewMappedIterator(ct, ix)
	for it.Next() {
		result = append(result, it.Value())
	}
	return result, it.Err()
}
