package trace

import (
	"fmt"
	"slices"
	"sync"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

// MaxRepeatWindow is the longest window detected as a repeat.
const MaxRepeatWindow = 16

// RepeatMarker records that the Length literals preceding literal position End are repeated Repeat
// more times immediately after position End.
type RepeatMarker struct {
	_msgpack struct{} `msgpack:",as_array"`
	End      int64
	Length   int
	Repeat   int64
}

type repeatRun[T store.Element] struct {
	window  []T
	repeats int64
	pos     int
}

// CompressedTrace is an append-only id sequence stored as literals plus repeat markers. Expanding it
// yields exactly the appended sequence. Appends must come from a single goroutine, iteration may
// happen concurrently and observes the trace as of the iterator's creation.
type CompressedTrace[T store.Element] struct {
	mu        sync.RWMutex
	literals  *store.BufferedSequence[T]
	committed int64
	tail      []T
	markers   []RepeatMarker
	floor     int64
	run       *repeatRun[T]
	size      int64
}

// IntTrace is a compressed trace over 32 bit ids.
type IntTrace = CompressedTrace[int32]

// LongTrace is a compressed trace over 64 bit ids.
type LongTrace = CompressedTrace[int64]

// NewCompressedTrace creates an empty trace whose literals are chunked and spilled according to cfg.
func NewCompressedTrace[T store.Element](cfg store.SequenceConfig) *CompressedTrace[T] {
	return &CompressedTrace[T]{literals: store.NewBufferedSequence[T](cfg)}
}

// NewCompressedTraceFromStore wraps previously produced literals and markers. Markers must be strictly
// increasing by End and reference windows fully inside literals.
func NewCompressedTraceFromStore[T store.Element](literals *store.BufferedSequence[T], markers []RepeatMarker) (*CompressedTrace[T], error) {
	count := literals.Size()
	size := count
	var prevEnd int64
	for i, m := range markers {
		if m.Length < 1 || m.Repeat < 1 {
			return nil, fmt.Errorf("invalid repeat marker %d: %+v", i, m)
		} else if m.End > count || m.End-int64(m.Length) < prevEnd || (i > 0 && m.End <= prevEnd) {
			return nil, fmt.Errorf("repeat marker %d out of order: %+v", i, m)
		}
		prevEnd = m.End
		size += int64(m.Length) * m.Repeat
	}
	return &CompressedTrace[T]{
		literals:  literals,
		committed: count,
		markers:   slices.Clone(markers),
		floor:     prevEnd,
		size:      size,
	}, nil
}

// ConvertTrace copies src into a trace of another id width.
func ConvertTrace[T, S store.Element](src *CompressedTrace[S], cfg store.SequenceConfig) (*CompressedTrace[T], error) {
	literals, markers, err := src.Snapshot()
	if err != nil {
		return nil, err
	}
	seq := store.NewBufferedSequence[T](cfg)
	for _, v := range literals {
		if err := seq.Append(T(v)); err != nil {
			seq.Close()
			return nil, err
		}
	}
	ct, err := NewCompressedTraceFromStore(seq, markers)
	if err != nil {
		seq.Close()
	}
	return ct, err
}

// Append adds id to the end of the trace. An error means a literal chunk could not be spilled.
func (c *CompressedTrace[T]) Append(id T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.size++
	return c.push(id)
}

func (c *CompressedTrace[T]) push(x T) error {
	if r := c.run; r != nil {
		if r.window[r.pos] == x {
			r.pos++
			if r.pos == len(r.window) {
				r.pos = 0
				r.repeats++
			}
			return nil
		}
		replay := r.window[:r.pos]
		c.finishRun()
		for _, y := range replay {
			if err := c.push(y); err != nil {
				return err
			}
		}
		return c.push(x)
	}
	return c.appendLiteral(x)
}

func (c *CompressedTrace[T]) finishRun() {
	end := c.committed + int64(len(c.tail))
	c.markers = append(c.markers, RepeatMarker{End: end, Length: len(c.run.window), Repeat: c.run.repeats})
	c.floor = end
	c.run = nil
}

func (c *CompressedTrace[T]) appendLiteral(x T) error {
	c.tail = append(c.tail, x)
	n := len(c.tail)
	total := c.committed + int64(n)
	for k := 1; k <= MaxRepeatWindow && 2*k <= n; k++ {
		if total-int64(2*k) < c.floor {
			break
		} else if c.tail[n-1] != c.tail[n-1-k] {
			continue
		}
		if slices.Equal(c.tail[n-k:], c.tail[n-2*k:n-k]) {
			c.run = &repeatRun[T]{window: slices.Clone(c.tail[n-k:]), repeats: 1}
			c.tail = c.tail[:n-k]
			return nil
		}
	}
	return c.commitExcess()
}

// commitExcess moves older tail literals into the buffered sequence, keeping enough for window checks.
func (c *CompressedTrace[T]) commitExcess() error {
	if len(c.tail) < 4*MaxRepeatWindow {
		return nil
	}
	n := len(c.tail) - 2*MaxRepeatWindow
	var moved int
	var err error
	for ; moved < n; moved++ {
		if err = c.literals.Append(c.tail[moved]); err != nil {
			break
		}
	}
	c.committed += int64(moved)
	c.tail = c.tail[:copy(c.tail, c.tail[moved:])]
	return err
}

// Size returns the expanded length.
func (c *CompressedTrace[T]) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// LiteralCount returns the number of stored literals, excluding any active repeat window.
func (c *CompressedTrace[T]) LiteralCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed + int64(len(c.tail))
}

// RepeatMarkers returns the completed repeat markers.
func (c *CompressedTrace[T]) RepeatMarkers() []RepeatMarker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.markers)
}

type traceSnapshot[T store.Element] struct {
	fwd, rev  *store.SequenceIterator[T]
	committed int64
	tail      []T
	markers   []RepeatMarker
	trailer   []T
}

func (c *CompressedTrace[T]) snapshot() traceSnapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// literal appends happen under the write lock, so the sequence iterators match committed
	s := traceSnapshot[T]{
		fwd:       c.literals.Iterator(),
		rev:       c.literals.ReverseIterator(),
		committed: c.committed,
		tail:      slices.Clone(c.tail),
		markers:   c.markers[:len(c.markers):len(c.markers)],
	}
	if r := c.run; r != nil {
		s.markers = append(s.markers, RepeatMarker{
			End:    c.committed + int64(len(c.tail)),
			Length: len(r.window),
			Repeat: r.repeats,
		})
		s.trailer = slices.Clone(r.window[:r.pos])
	}
	return s
}

// Snapshot returns a self contained literal and marker representation, folding any active repeat into
// a final marker followed by its partially matched prefix.
func (c *CompressedTrace[T]) Snapshot() ([]T, []RepeatMarker, error) {
	s := c.snapshot()
	literals := make([]T, 0, s.committed+int64(len(s.tail)+len(s.trailer)))
	it := s.fwd
	for i := int64(0); i < s.committed && it.Next(); i++ {
		literals = append(literals, it.Value())
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	} else if int64(len(literals)) != s.committed {
		return nil, nil, fmt.Errorf("literal store truncated: %d of %d", len(literals), s.committed)
	}
	literals = append(literals, s.tail...)
	literals = append(literals, s.trailer...)
	return literals, s.markers, nil
}

// Iterator returns an iterator over the expanded trace.
func (c *CompressedTrace[T]) Iterator() *Iterator[T] {
	s := c.snapshot()
	return &Iterator[T]{
		src:      newLiteralStream(s, false),
		markers:  s.markers,
		literals: s.committed + int64(len(s.tail)),
		trailer:  s.trailer,
	}
}

// ReverseIterator returns an iterator over the expanded trace from the last id to the first.
func (c *CompressedTrace[T]) ReverseIterator() *ReverseIterator[T] {
	s := c.snapshot()
	trailer := slices.Clone(s.trailer)
	slices.Reverse(trailer)
	return &ReverseIterator[T]{
		src:     newLiteralStream(s, true),
		markers: s.markers,
		mi:      len(s.markers) - 1,
		idx:     s.committed + int64(len(s.tail)),
		trailer: trailer,
	}
}

// BaseIterator returns an iterator over the stored literals only, ignoring repeats.
func (c *CompressedTrace[T]) BaseIterator() *BaseIterator[T] {
	s := c.snapshot()
	return &BaseIterator[T]{
		src:       newLiteralStream(s, false),
		remaining: s.committed + int64(len(s.tail)),
	}
}

// Close releases the literal store.
func (c *CompressedTrace[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.literals.Close()
	c.committed = 0
	c.tail = nil
	c.markers = nil
	c.floor = 0
	c.run = nil
	c.size = 0
}
