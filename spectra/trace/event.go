// Package trace collects per-worker execution traces, deduplicates statement runs into subtrace ids,
// compresses the resulting id streams and maps them back onto coverage node indices.
package trace

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
)

// BranchKind classifies the event that produced a RawEvent.
type BranchKind int8

const (
	// BranchNone is a plain statement hit.
	BranchNone BranchKind = -1
	// BranchFalse is the not-taken side of a conditional.
	BranchFalse BranchKind = 0
	// BranchTrue is the taken side of a conditional (jump).
	BranchTrue BranchKind = 1
	// BranchSwitch is a switch case hit.
	BranchSwitch BranchKind = 2
)

// FakeCounterID marks branch probes that do not correspond to a real counter, such events are dropped.
const FakeCounterID int32 = -1

// NodeKind is the coverage node type a RawEvent resolves to.
type NodeKind uint8

const (
	NodeNormal NodeKind = iota
	NodeTrueBranch
	NodeFalseBranch
)

// NodeKindFor maps an event branch kind onto the node kind it resolves to.
func NodeKindFor(kind BranchKind) NodeKind {
	switch kind {
	case BranchFalse:
		return NodeFalseBranch
	case BranchTrue:
		return NodeTrueBranch
	default:
		return NodeNormal
	}
}

func (k NodeKind) String() string {
	switch k {
	case NodeTrueBranch:
		return "T"
	case NodeFalseBranch:
		return "F"
	default:
		return ""
	}
}

// RawEvent is a single instrumentation callback.
type RawEvent struct {
	_msgpack  struct{}   `msgpack:",as_array"`
	ClassID   int32      `msgpack:"c"`
	CounterID int32      `msgpack:"n"`
	Kind      BranchKind `msgpack:"k"`
}

// Location identifies a coverage node by source position.
type Location struct {
	SourceFile string
	Line       int
	Kind       NodeKind
}

// SubtraceID identifies an interned subtrace. Zero is the empty subtrace.
type SubtraceID = int32

var (
	// ErrResolution wraps failures mapping raw events onto coverage nodes.
	ErrResolution = errors.New("subtrace resolution failed")
	// ErrCollectorFailed is returned once a collector has latched a storage failure.
	ErrCollectorFailed = errors.New("trace collection failed")
)

// subtraceKey is the compact identity of a subtrace: a content digest plus boundary events and length.
type subtraceKey struct {
	sum         [sha1.Size]byte
	first, last RawEvent
	length      int
}

func keyOf(events []RawEvent) subtraceKey {
	buf := make([]byte, 0, len(events)*9)
	for _, e := range events {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.ClassID))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.CounterID))
		buf = append(buf, byte(e.Kind))
	}
	return subtraceKey{
		sum:    sha1.Sum(buf),
		first:  events[0],
		last:   events[len(events)-1],
		length: len(events),
	}
}
