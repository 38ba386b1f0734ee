package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Element is the integer domain of sequences, traces and involvement blobs.
type Element interface {
	~int | ~int32 | ~int64
}

// maxDenseBlob bounds the expanded size of a zstd involvement blob.
const maxDenseBlob = 1 << 30

// EncodeAll and DecodeAll may be called concurrently on a shared coder.
var (
	denseEncoder = sync.OnceValue(func() *zstd.Encoder {
		// flag rows are long runs of 0 and 1, the higher level pays off even on small blobs
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithSingleSegment(true),
			zstd.WithZeroFrames(true))
		if err != nil {
			panic(err) // only possible with invalid options
		}
		return enc
	})
	denseDecoder = sync.OnceValue(func() *zstd.Decoder {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDenseBlob))
		if err != nil {
			panic(err)
		}
		return dec
	})
)

// CompressDense zstd compresses a dense involvement blob (one byte per flag).
func CompressDense(dense []byte) []byte {
	return denseEncoder().EncodeAll(dense, make([]byte, 0, len(dense)/8+16))
}

// DecompressDense reverses CompressDense. The frame must expand to exactly size bytes, a frame
// declaring any other content size is rejected before decoding.
func DecompressDense(blob []byte, size int) ([]byte, error) {
	if size < 0 || size > maxDenseBlob {
		return nil, fmt.Errorf("dense blob size out of range: %d", size)
	}
	var header zstd.Header
	if err := header.Decode(blob); err != nil {
		return nil, fmt.Errorf("zstd header: %w", err)
	} else if header.HasFCS && header.FrameContentSize != uint64(size) {
		return nil, fmt.Errorf("dense blob holds %d bytes, expected %d", header.FrameContentSize, size)
	}
	dense, err := denseDecoder().DecodeAll(blob, make([]byte, 0, size))
	if err != nil {
		return nil, err
	} else if len(dense) != size {
		return nil, fmt.Errorf("dense blob holds %d bytes, expected %d", len(dense), size)
	}
	return dense, nil
}

// encodeIntChunk encodes a spill chunk as zig-zag varints in an s2 block.
func encodeIntChunk[T Element](values []T) []byte {
	return s2.EncodeBetter(nil, appendVarints(make([]byte, 0, len(values)*2), values))
}

// decodeIntChunk reverses encodeIntChunk, reading at most count values.
func decodeIntChunk[T Element](blob []byte, count int) ([]T, error) {
	raw, err := s2.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	values, _, err := readVarints(make([]T, 0, count), raw, count)
	return values, err
}

const (
	intBlockRaw byte = 0
	intBlockLZ4 byte = 1
)

var errTruncatedInts = errors.New("truncated integer sequence")

func appendVarints[T Element](dst []byte, values []T) []byte {
	for _, v := range values {
		dst = binary.AppendVarint(dst, int64(v))
	}
	return dst
}

func readVarints[T Element](dst []T, data []byte, count int) ([]T, []byte, error) {
	for ; count != 0; count-- {
		if count < 0 && len(data) == 0 {
			break
		}
		v, n := binary.Varint(data)
		if n <= 0 {
			return dst, nil, errTruncatedInts
		}
		dst = append(dst, T(v))
		data = data[n:]
	}
	return dst, data, nil
}

// packIntBlock compresses a varint payload with lz4, falling back to the raw payload when lz4 cannot
// shrink it.
func packIntBlock(raw []byte) []byte {
	out := make([]byte, 1, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(raw)))
	out = binary.AppendUvarint(out, uint64(len(raw)))
	header := len(out)
	written, err := lz4.CompressBlock(raw, out[header:cap(out)], nil)
	if err != nil || written == 0 || written >= len(raw) {
		out[0] = intBlockRaw
		return append(out[:header], raw...)
	}
	out[0] = intBlockLZ4
	return out[:header+written]
}

func unpackIntBlock(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errTruncatedInts
	}
	mode := blob[0]
	rawLen, n := binary.Uvarint(blob[1:])
	if n <= 0 {
		return nil, errTruncatedInts
	}
	payload := blob[1+n:]
	switch mode {
	case intBlockRaw:
		if uint64(len(payload)) != rawLen {
			return nil, errTruncatedInts
		}
		return payload, nil
	case intBlockLZ4:
		// lz4 cannot expand a block by more than 255 times
		if rawLen > 255*uint64(len(payload))+16 {
			return nil, errTruncatedInts
		}
		raw := make([]byte, rawLen)
		written, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode failed: %w", err)
		} else if uint64(written) != rawLen {
			return nil, errTruncatedInts
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown integer block mode: %d", mode)
	}
}

// EncodeIntSequence encodes values as zig-zag varints in an lz4 block.
func EncodeIntSequence[T Element](values []T) []byte {
	return packIntBlock(appendVarints(make([]byte, 0, len(values)*2), values))
}

// DecodeIntSequence reverses EncodeIntSequence.
func DecodeIntSequence[T Element](blob []byte) ([]T, error) {
	raw, err := unpackIntBlock(blob)
	if err != nil {
		return nil, err
	}
	values, _, err := readVarints(make([]T, 0, len(raw)), raw, -1)
	return values, err
}

// EncodeIntSequences encodes multiple sequences into a single block, each prefixed by its length.
func EncodeIntSequences[T Element](sequences [][]T) []byte {
	var raw []byte
	for _, seq := range sequences {
		raw = binary.AppendUvarint(raw, uint64(len(seq)))
		raw = appendVarints(raw, seq)
	}
	return packIntBlock(raw)
}

// DecodeIntSequences reverses EncodeIntSequences.
func DecodeIntSequences[T Element](blob []byte) ([][]T, error) {
	raw, err := unpackIntBlock(blob)
	if err != nil {
		return nil, err
	}
	var result [][]T
	for len(raw) > 0 {
		count, n := binary.Uvarint(raw)
		if n <= 0 || count > uint64(len(raw)) {
			return nil, errTruncatedInts
		}
		var seq []T
		seq, raw, err = readVarints(make([]T, 0, count), raw[n:], int(count))
		if err != nil {
			return nil, err
		}
		result = append(result, seq)
	}
	return result, nil
}
