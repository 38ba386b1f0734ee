package trace

import (
	"errors"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

var errLiteralsExhausted = errors.New("literal stream exhausted")

// literalStream reads the literals of a trace snapshot, committed literals first followed by the
// uncommitted tail, or the reverse.
type literalStream[T store.Element] struct {
	seq  *store.SequenceIterator[T]
	tail []T
	ti   int
	rev  bool
	done bool
}

func newLiteralStream[T store.Element](s traceSnapshot[T], reverse bool) *literalStream[T] {
	if reverse {
		return &literalStream[T]{seq: s.rev, tail: s.tail, ti: len(s.tail) - 1, rev: true}
	}
	return &literalStream[T]{seq: s.fwd, tail: s.tail}
}

func (ls *literalStream[T]) next() (T, error) {
	if ls.rev {
		if ls.ti >= 0 {
			v := ls.tail[ls.ti]
			ls.ti--
			return v, nil
		}
		return ls.fromSeq()
	}
	if !ls.done {
		if v, err := ls.fromSeq(); err == nil {
			return v, nil
		} else if ls.seq.Err() != nil {
			return v, err
		}
		ls.done = true
	}
	if ls.ti < len(ls.tail) {
		v := ls.tail[ls.ti]
		ls.ti++
		return v, nil
	}
	var zero T
	return zero, errLiteralsExhausted
}

func (ls *literalStream[T]) fromSeq() (T, error) {
	if ls.seq.Next() {
		return ls.seq.Value(), nil
	} else if err := ls.seq.Err(); err != nil {
		var zero T
		return zero, err
	}
	var zero T
	return zero, errLiteralsExhausted
}

// Iterator expands a compressed trace in append order.
type Iterator[T store.Element] struct {
	src      *literalStream[T]
	markers  []RepeatMarker
	mi       int
	literals int64
	read     int64
	ring     [MaxRepeatWindow]T
	window   [MaxRepeatWindow]T
	win      []T
	winPos   int
	winLeft  int64
	trailer  []T
	value    T
	err      error
}

// Next advances the iterator, returning false at the end or on error.
func (it *Iterator[T]) Next() bool {
	if it.err != nil {
		return false
	} else if it.winLeft > 0 {
		it.value = it.win[it.winPos]
		it.winPos = (it.winPos + 1) % len(it.win)
		it.winLeft--
		return true
	} else if it.read < it.literals {
		x, err := it.src.next()
		if err != nil {
			it.err = err
			return false
		}
		it.ring[it.read%MaxRepeatWindow] = x
		it.read++
		if it.mi < len(it.markers) && it.markers[it.mi].End == it.read {
			m := it.markers[it.mi]
			it.mi++
			it.win = it.window[:m.Length]
			for j := range it.win {
				it.win[j] = it.ring[(it.read-int64(m.Length)+int64(j))%MaxRepeatWindow]
			}
			it.winPos = 0
			it.winLeft = int64(m.Length) * m.Repeat
		}
		it.value = x
		return true
	} else if len(it.trailer) > 0 {
		it.value = it.trailer[0]
		it.trailer = it.trailer[1:]
		return true
	}
	return false
}

// Value returns the current id.
func (it *Iterator[T]) Value() T {
	return it.value
}

// Err returns the first error encountered.
func (it *Iterator[T]) Err() error {
	return it.err
}

// ReverseIterator expands a compressed trace from the last id to the first.
type ReverseIterator[T store.Element] struct {
	src     *literalStream[T]
	markers []RepeatMarker
	mi      int
	idx     int64 // literals not yet emitted
	look    []T
	lookPos int
	win     []T
	winPos  int
	winLeft int64
	trailer []T
	value   T
	err     error
}

// Next advances the iterator, returning false at the end or on error.
func (it *ReverseIterator[T]) Next() bool {
	if it.err != nil {
		return false
	} else if len(it.trailer) > 0 {
		it.value = it.trailer[0]
		it.trailer = it.trailer[1:]
		return true
	} else if it.winLeft > 0 {
		it.value = it.win[it.winPos]
		it.winPos = (it.winPos + 1) % len(it.win)
		it.winLeft--
		return true
	} else if it.idx <= 0 {
		return false
	}

	if it.lookPos == len(it.look) && it.mi >= 0 && it.markers[it.mi].End == it.idx {
		m := it.markers[it.mi]
		it.mi--
		it.look = it.look[:0]
		it.lookPos = 0
		for j := 0; j < m.Length; j++ {
			x, err := it.src.next()
			if err != nil {
				it.err = err
				return false
			}
			it.look = append(it.look, x)
		}
		it.win = append(it.win[:0], it.look...)
		it.winPos = 1 % len(it.win)
		it.winLeft = int64(m.Length)*m.Repeat - 1
		it.value = it.win[0]
		return true
	}

	var x T
	if it.lookPos < len(it.look) {
		x = it.look[it.lookPos]
		it.lookPos++
	} else {
		var err error
		if x, err = it.src.next(); err != nil {
			it.err = err
			return false
		}
	}
	it.idx--
	it.value = x
	return true
}

// Value returns the current id.
func (it *ReverseIterator[T]) Value() T {
	return it.value
}

// Err returns the first error encountered.
func (it *ReverseIterator[T]) Err() error {
	return it.err
}

// BaseIterator walks the stored literals of a trace without expanding repeats.
type BaseIterator[T store.Element] struct {
	src       *literalStream[T]
	remaining int64
	value     T
	err       error
}

// Next advances the iterator, returning false at the end or on error.
func (it *BaseIterator[T]) Next() bool {
	if it.err != nil || it.remaining <= 0 {
		return false
	}
	x, err := it.src.next()
	if err != nil {
		it.err = err
		return false
	}
	it.remaining--
	it.value = x
	return true
}

// Value returns the current literal.
func (it *BaseIterator[T]) Value() T {
	return it.value
}

// Err returns the first error encountered.
func (it *BaseIterator[T]) Err() error {
	return it.err
}
