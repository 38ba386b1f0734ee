// Package spectra holds the node by trace coverage matrix of a test suite run, with the compressed
// execution traces of every test, and persists it to a named-entry archive.
package spectra

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

// InvolvementKind selects whether traces record touched nodes or per-node hit counts.
type InvolvementKind uint8

const (
	// InvolvementBoolean records only whether a trace touched a node.
	InvolvementBoolean InvolvementKind = iota
	// InvolvementCount records how often a trace touched each node.
	InvolvementCount
)

func (k InvolvementKind) String() string {
	if k == InvolvementCount {
		return "count"
	}
	return "boolean"
}

var (
	// ErrEmptySpectra is returned when saving or exporting spectra without nodes or traces.
	ErrEmptySpectra = errors.New("spectra has no nodes or no traces")
	// ErrDuplicateTrace is returned by AddTrace for an identifier already present.
	ErrDuplicateTrace = errors.New("duplicate trace identifier")
)

// Node is a coverage node with its dense index in the owning Spectra.
type Node struct {
	Index int
	Block SourceCodeBlock
}

// Identifier returns the node identifier string.
func (n *Node) Identifier() string {
	return n.Block.Identifier()
}

// Spectra is the node by trace involvement relation of one test suite run. Node indices are dense and
// stable. A Spectra is not safe for concurrent mutation.
type Spectra struct {
	kind       InvolvementKind
	seqConfig  store.SequenceConfig
	nodes      []*Node
	byID       map[string]*Node
	byLocation map[trace.Location]int
	traces     []*Trace
	traceByID  map[string]*Trace
}

// New creates an empty Spectra with in-memory execution traces.
func New(kind InvolvementKind) *Spectra {
	return NewWithConfig(kind, store.SequenceConfig{})
}

// NewWithConfig creates an empty Spectra whose execution traces buffer through cfg.
func NewWithConfig(kind InvolvementKind, cfg store.SequenceConfig) *Spectra {
	return &Spectra{
		kind:       kind,
		seqConfig:  cfg,
		byID:       make(map[string]*Node),
		byLocation: make(map[trace.Location]int),
		traceByID:  make(map[string]*Trace),
	}
}

// Kind returns the involvement kind of all traces.
func (s *Spectra) Kind() InvolvementKind {
	return s.kind
}

// GetOrCreateNode returns the node for block, creating it with the next index when not yet present.
func (s *Spectra) GetOrCreateNode(block SourceCodeBlock) *Node {
	id := block.Identifier()
	if n, ok := s.byID[id]; ok {
		return n
	}
	n := &Node{Index: len(s.nodes), Block: block}
	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	if _, ok := s.byLocation[block.Location()]; !ok {
		s.byLocation[block.Location()] = n.Index
	}
	return n
}

// Node looks up a node by identifier.
func (s *Spectra) Node(identifier string) (*Node, bool) {
	n, ok := s.byID[identifier]
	return n, ok
}

// NodeAt returns the node with the given index, or nil when out of range.
func (s *Spectra) NodeAt(index int) *Node {
	if index < 0 || index >= len(s.nodes) {
		return nil
	}
	return s.nodes[index]
}

// Nodes returns all nodes ordered by index.
func (s *Spectra) Nodes() []*Node {
	return slices.Clone(s.nodes)
}

// NodeCount returns the number of nodes.
func (s *Spectra) NodeCount() int {
	return len(s.nodes)
}

// NodeIndex resolves a trace location onto the first node created for it.
func (s *Spectra) NodeIndex(loc trace.Location) (int, bool) {
	idx, ok := s.byLocation[loc]
	return idx, ok
}

// AddTrace adds a new test execution record.
func (s *Spectra) AddTrace(identifier string, successful bool) (*Trace, error) {
	if identifier == "" || strings.ContainsAny(identifier, identifierDelimiter+"\n") {
		return nil, fmt.Errorf("invalid trace identifier: %q", identifier)
	} else if _, ok := s.traceByID[identifier]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTrace, identifier)
	}
	t := &Trace{
		spectra:    s,
		identifier: identifier,
		successful: successful,
		involved:   roaring.New(),
	}
	if s.kind == InvolvementCount {
		t.hits = make(map[uint32]int64)
	}
	s.traces = append(s.traces, t)
	s.traceByID[identifier] = t
	return t, nil
}

// Trace looks up a trace by identifier.
func (s *Spectra) Trace(identifier string) (*Trace, bool) {
	t, ok := s.traceByID[identifier]
	return t, ok
}

// Traces returns all traces in insertion order.
func (s *Spectra) Traces() []*Trace {
	return slices.Clone(s.traces)
}

// SuccessfulTraces returns the passing traces in insertion order.
func (s *Spectra) SuccessfulTraces() []*Trace {
	return s.filterTraces(true)
}

// FailingTraces returns the failing traces in insertion order.
func (s *Spectra) FailingTraces() []*Trace {
	return s.filterTraces(false)
}

func (s *Spectra) filterTraces(successful bool) []*Trace {
	var result []*Trace
	for _, t := range s.traces {
		if t.successful == successful {
			result = append(result, t)
		}
	}
	return result
}

// NodeCounts holds the four spectrum counts of a node used by ranking formulas.
type NodeCounts struct {
	// EF is the number of failing traces executing the node.
	EF int
	// EP is the number of passing traces executing the node.
	EP int
	// NF is the number of failing traces not executing the node.
	NF int
	// NP is the number of passing traces not executing the node.
	NP int
}

// NodeCounts returns the spectrum counts of the node at index.
func (s *Spectra) NodeCounts(index int) NodeCounts {
	var c NodeCounts
	for _, t := range s.traces {
		involved := t.IsInvolved(index)
		switch {
		case involved && t.successful:
			c.EP++
		case involved:
			c.EF++
		case t.successful:
			c.NP++
		default:
			c.NF++
		}
	}
	return c
}

// Close releases the execution traces of all traces.
func (s *Spectra) Close() {
	for _, t := range s.traces {
		for _, ct := range t.execTraces {
			ct.Close()
		}
		t.execTraces = nil
	}
}

// Trace is one test execution: outcome, involvement (or hits) per node, and one compressed node index
// trace per execution thread.
type Trace struct {
	spectra    *Spectra
	identifier string
	successful bool
	involved   *roaring.Bitmap
	hits       map[uint32]int64 // count spectra only
	execTraces []*trace.IntTrace
}

// Identifier returns the trace identifier.
func (t *Trace) Identifier() string {
	return t.identifier
}

// Successful reports whether the test passed.
func (t *Trace) Successful() bool {
	return t.successful
}

func (t *Trace) checkIndex(index int) uint32 {
	if index < 0 || index >= len(t.spectra.nodes) {
		panic(fmt.Sprintf("node index out of range: %d (nodes: %d)", index, len(t.spectra.nodes)))
	}
	return uint32(index)
}

// SetInvolvement marks whether the node at index was touched. Clearing involvement also clears hits.
// Panics if index is not a node of the owning Spectra.
func (t *Trace) SetInvolvement(index int, involved bool) {
	i := t.checkIndex(index)
	if involved {
		t.involved.Add(i)
		if t.hits != nil && t.hits[i] == 0 {
			t.hits[i] = 1
		}
	} else {
		t.involved.Remove(i)
		delete(t.hits, i)
	}
}

// SetInvolvementFor marks involvement of n.
func (t *Trace) SetInvolvementFor(n *Node, involved bool) {
	t.SetInvolvement(n.Index, involved)
}

// IsInvolved reports whether the node at index was touched. Out of range indices are never involved.
func (t *Trace) IsInvolved(index int) bool {
	if index < 0 || index >= len(t.spectra.nodes) {
		return false
	}
	return t.involved.Contains(uint32(index))
}

// SetHits sets the hit count of the node at index; a positive count marks it involved. Boolean spectra
// only keep the involvement.
func (t *Trace) SetHits(index int, hits int64) {
	i := t.checkIndex(index)
	if hits <= 0 {
		t.SetInvolvement(index, false)
		return
	}
	t.involved.Add(i)
	if t.hits != nil {
		t.hits[i] = hits
	}
}

// Hits returns the hit count of the node at index. Boolean spectra report 1 for involved nodes.
func (t *Trace) Hits(index int) int64 {
	if !t.IsInvolved(index) {
		return 0
	} else if t.hits == nil {
		return 1
	}
	return t.hits[uint32(index)]
}

// InvolvedCount returns the number of touched nodes.
func (t *Trace) InvolvedCount() int {
	return int(t.involved.GetCardinality())
}

// InvolvedNodes returns the indices of touched nodes in ascending order.
func (t *Trace) InvolvedNodes() []int {
	result := make([]int, 0, t.involved.GetCardinality())
	it := t.involved.Iterator()
	for it.HasNext() {
		result = append(result, int(it.Next()))
	}
	return result
}

// AddExecutionTrace compresses one thread's node index sequence and attaches it to the trace.
func (t *Trace) AddExecutionTrace(nodeIDs []int32) error {
	ct := trace.NewCompressedTrace[int32](t.spectra.seqConfig)
	for _, id := range nodeIDs {
		if id < 0 || int(id) >= len(t.spectra.nodes) {
			ct.Close()
			return fmt.Errorf("execution trace references unknown node %d", id)
		} else if err := ct.Append(id); err != nil {
			ct.Close()
			return err
		}
	}
	t.execTraces = append(t.execTraces, ct)
	return nil
}

// AddCompressedExecutionTrace attaches an already compressed node index trace, taking ownership of ct.
func (t *Trace) AddCompressedExecutionTrace(ct *trace.IntTrace) {
	t.execTraces = append(t.execTraces, ct)
}

// AddCollectedRun maps every worker trace of run through ix onto node indices. Each mapped trace is
// attached as an execution trace and every node it touches is marked involved, with hits counted per
// occurrence in count spectra. Nothing is recorded on the trace unless every worker trace maps.
func (t *Trace) AddCollectedRun(run *trace.Run, ix *trace.SequenceIndexer) error {
	staged := make([]*trace.IntTrace, 0, len(run.Traces))
	touched := make(map[uint32]int64)
	for _, wt := range run.Traces {
		ct, err := t.mapWorkerTrace(wt, ix, touched)
		if err != nil {
			for _, st := range staged {
				st.Close()
			}
			return fmt.Errorf("worker %s: %w", wt.Worker, err)
		}
		staged = append(staged, ct)
	}

	for id, hits := range touched {
		t.involved.Add(id)
		if t.hits != nil {
			t.hits[id] += hits
		}
	}
	t.execTraces = append(t.execTraces, staged...)
	return nil
}

func (t *Trace) mapWorkerTrace(wt trace.WorkerTrace, ix *trace.SequenceIndexer, touched map[uint32]int64) (*trace.IntTrace, error) {
	ct := trace.NewCompressedTrace[int32](t.spectra.seqConfig)
	it := trace.NewMappedIterator(wt.Trace, ix)
	for it.Next() {
		id := it.Value()
		if id < 0 || int(id) >= len(t.spectra.nodes) {
			ct.Close()
			return nil, fmt.Errorf("%w: node index %d not in spectra", trace.ErrResolution, id)
		} else if err := ct.Append(id); err != nil {
			ct.Close()
			return nil, err
		}
		touched[uint32(id)]++
	}
	if err := it.Err(); err != nil {
		ct.Close()
		return nil, err
	}
	return ct, nil
}

// ExecutionTraces returns the per-thread execution traces in attach order.
func (t *Trace) ExecutionTraces() []*trace.IntTrace {
	return slices.Clone(t.execTraces)
}
