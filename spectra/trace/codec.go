package trace

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

const traceWireVersion = 1

type traceWire struct {
	Version  uint8          `msgpack:"v"`
	Literals []byte         `msgpack:"l"`
	Markers  []RepeatMarker `msgpack:"m"`
}

// MarshalTrace encodes a compressed trace without expanding it.
func MarshalTrace[T store.Element](ct *CompressedTrace[T]) ([]byte, error) {
	literals, markers, err := ct.Snapshot()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&traceWire{
		Version:  traceWireVersion,
		Literals: store.EncodeIntSequence(literals),
		Markers:  markers,
	})
}

// UnmarshalTrace decodes a trace produced by MarshalTrace for any id width, failing if an id does not
// fit T.
func UnmarshalTrace[T store.Element](data []byte, cfg store.SequenceConfig) (*CompressedTrace[T], error) {
	var wire traceWire
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	} else if wire.Version != traceWireVersion {
		return nil, fmt.Errorf("unsupported trace version: %d", wire.Version)
	}
	values, err := store.DecodeIntSequence[int64](wire.Literals)
	if err != nil {
		return nil, fmt.Errorf("decode trace literals: %w", err)
	}
	seq := store.NewBufferedSequence[T](cfg)
	for _, v := range values {
		if int64(T(v)) != v {
			seq.Close()
			return nil, fmt.Errorf("trace id %d overflows id type", v)
		} else if err := seq.Append(T(v)); err != nil {
			seq.Close()
			return nil, err
		}
	}
	ct, err := NewCompressedTraceFromStore(seq, wire.Markers)
	if err != nil {
		seq.Close()
		return nil, err
	}
	return ct, nil
}
