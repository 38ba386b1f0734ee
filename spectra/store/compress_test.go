package store

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"involvement", []byte{1, 0, 1, 1, 0, 0, 0, 1}},
		{"repetitive", make([]byte, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			compressed := CompressDense(tt.input)
			require.NotEmpty(t, compressed)
			out, err := DecompressDense(compressed, len(tt.input))
			require.NoError(t, err)
			assert.Len(t, out, len(tt.input))
			if len(tt.input) > 0 {
				assert.Equal(t, tt.input, out)
			}
		})
	}

	t.Run("wrong_size", func(t *testing.T) {
		_, err := DecompressDense(CompressDense(make([]byte, 1<<20)), 8)
		require.Error(t, err)
		_, err = DecompressDense(CompressDense([]byte{1, 0}), 3)
		require.Error(t, err)
		_, err = DecompressDense(CompressDense([]byte{1, 0}), -1)
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := DecompressDense([]byte{0x42, 0x43, 0x44}, 3)
		require.Error(t, err)
		_, err = DecompressDense(nil, 0)
		require.Error(t, err)
	})
}

func TestIntChunk(t *testing.T) {
	t.Parallel()

	values := []int64{1, 2, 3, 1, 2, 3, 1, 2, 3, -9}
	got, err := decodeIntChunk[int64](encodeIntChunk(values), len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)

	_, err = decodeIntChunk[int64](encodeIntChunk(values), len(values)+1)
	require.Error(t, err)
	_, err = decodeIntChunk[int64]([]byte{0xFF, 0xFF, 0xFF}, 1)
	require.Error(t, err)
}

func TestIntSequence(t *testing.T) {
	t.Parallel()

	repetitive := make([]int32, 10_000)
	for i := range repetitive {
		repetitive[i] = int32(i % 7)
	}
	tests := []struct {
		name   string
		values []int32
	}{
		{"empty", []int32{}},
		{"single", []int32{42}},
		{"sparse_involvement", []int32{1, 1, 5, 9, 12}},
		{"negative", []int32{-1, 0, math.MaxInt32, math.MinInt32}},
		{"repetitive", repetitive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			blob := EncodeIntSequence(tt.values)
			got, err := DecodeIntSequence[int32](blob)
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
		})
	}

	t.Run("lz4_selected", func(t *testing.T) {
		blob := EncodeIntSequence(repetitive)
		assert.Equal(t, intBlockLZ4, blob[0])
		assert.Less(t, len(blob), len(repetitive))
	})

	t.Run("raw_fallback", func(t *testing.T) {
		blob := EncodeIntSequence([]int32{3})
		assert.Equal(t, intBlockRaw, blob[0])
	})

	t.Run("int64_range", func(t *testing.T) {
		values := []int64{math.MaxInt64, math.MinInt64, 1 << 40}
		got, err := DecodeIntSequence[int64](EncodeIntSequence(values))
		require.NoError(t, err)
		assert.Equal(t, values, got)
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := DecodeIntSequence[int32](nil)
		require.Error(t, err)
		_, err = DecodeIntSequence[int32]([]byte{7, 0})
		require.Error(t, err)
		_, err = DecodeIntSequence[int32]([]byte{intBlockRaw, 5, 1})
		require.Error(t, err)
		// expanded length far beyond what the payload can hold
		_, err = DecodeIntSequence[int32](append(binary.AppendUvarint([]byte{intBlockLZ4}, 1<<62), 0, 0, 0))
		require.ErrorIs(t, err, errTruncatedInts)
		_, err = DecodeIntSequences[int32](append(binary.AppendUvarint([]byte{intBlockLZ4}, 1<<62), 0, 0, 0))
		require.ErrorIs(t, err, errTruncatedInts)
	})
}

func TestIntSequences(t *testing.T) {
	t.Parallel()

	seqs := [][]int{{1, 2, 3}, {}, {0, 7}, {5}}
	got, err := DecodeIntSequences[int](EncodeIntSequences(seqs))
	require.NoError(t, err)
	assert.Equal(t, seqs, got)

	got, err = DecodeIntSequences[int](EncodeIntSequences[int](nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}
