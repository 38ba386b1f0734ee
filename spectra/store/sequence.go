package store

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultChunkSize is the number of elements held per chunk.
	DefaultChunkSize = 250_000
	// DefaultMaxMemChunks is the number of full chunks kept resident before spilling begins.
	DefaultMaxMemChunks = 4
)

const debugSpill = false

// SequenceConfig controls chunking and spilling of buffered sequences and maps.
type SequenceConfig struct {
	// Storage receives spilled chunks. When nil all chunks stay in memory.
	Storage Storage
	// Cache is an optional cache for chunks read back from Storage.
	Cache        *ChunkCache
	ChunkSize    int
	MaxMemChunks int
}

func (c SequenceConfig) withDefaults() SequenceConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxMemChunks <= 0 {
		c.MaxMemChunks = DefaultMaxMemChunks
	}
	return c
}

// BufferedSequence is an append-only integer sequence partitioned into fixed size chunks. Once more
// than MaxMemChunks full chunks are resident the oldest are written to the configured Storage.
// A single writer may append while other goroutines read.
type BufferedSequence[T Element] struct {
	mu       sync.RWMutex
	cfg      SequenceConfig
	keySpace string
	chunks   [][]T // nil entries have been spilled
	resident []int // full resident chunks, oldest first
	spilled  int
	size     int64
}

// NewBufferedSequence creates an empty sequence.
func NewBufferedSequence[T Element](cfg SequenceConfig) *BufferedSequence[T] {
	return &BufferedSequence[T]{
		cfg:      cfg.withDefaults(),
		keySpace: newKeySpace("seq"),
	}
}

// NewBufferedSequenceFrom creates a sequence holding values.
func NewBufferedSequenceFrom[T Element](values []T, cfg SequenceConfig) (*BufferedSequence[T], error) {
	s := NewBufferedSequence[T](cfg)
	for _, v := range values {
		if err := s.Append(v); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *BufferedSequence[T]) chunkKey(idx int) string {
	return s.keySpace + strconv.Itoa(idx)
}

// Append adds v to the end of the sequence. An error indicates the spill write failed.
func (s *BufferedSequence[T]) Append(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.cfg.ChunkSize
	if s.size%int64(cs) == 0 {
		s.chunks = append(s.chunks, make([]T, 0, min(cs, 1024)))
	}
	idx := len(s.chunks) - 1
	s.chunks[idx] = append(s.chunks[idx], v)
	s.size++
	if len(s.chunks[idx]) == cs && s.cfg.Storage != nil {
		s.resident = append(s.resident, idx)
		for len(s.resident) > s.cfg.MaxMemChunks {
			if err := s.spillLocked(s.resident[0]); err != nil {
				return err
			}
			s.resident = s.resident[1:]
		}
	}
	return nil
}

func (s *BufferedSequence[T]) spillLocked(idx int) error {
	chunk := s.chunks[idx]
	blob := encodeIntChunk(chunk)
	if err := s.cfg.Storage.SaveState(s.chunkKey(idx), blob); err != nil {
		return fmt.Errorf("spill chunk %d failed: %w", idx, err)
	}
	if debugSpill {
		log.Printf("spilled chunk %d (%s elements, %s)", idx,
			humanize.Comma(int64(len(chunk))), humanize.Bytes(uint64(len(blob))))
	}
	s.chunks[idx] = nil
	s.spilled++
	return nil
}

// Size returns the number of appended elements.
func (s *BufferedSequence[T]) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// SpilledChunks returns how many chunks currently live in Storage.
func (s *BufferedSequence[T]) SpilledChunks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spilled
}

// Get returns the element at index i.
func (s *BufferedSequence[T]) Get(i int64) (T, error) {
	var zero T
	if i < 0 {
		return zero, fmt.Errorf("index out of range: %d", i)
	}
	cs := int64(s.cfg.ChunkSize)
	chunk, err := s.chunk(int(i / cs))
	if err != nil {
		return zero, err
	}
	off := int(i % cs)
	if off >= len(chunk) {
		return zero, fmt.Errorf("index out of range: %d", i)
	}
	return chunk[off], nil
}

func (s *BufferedSequence[T]) chunk(idx int) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx >= len(s.chunks) {
		return nil, fmt.Errorf("chunk out of range: %d", idx)
	} else if chunk := s.chunks[idx]; chunk != nil {
		return chunk, nil
	}
	return s.loadChunk(idx)
}

func (s *BufferedSequence[T]) loadChunk(idx int) ([]T, error) {
	key := s.chunkKey(idx)
	if cached, ok := s.cfg.Cache.get(key); ok {
		if values, ok := cached.([]T); ok {
			return values, nil
		}
	}
	blob, ok, err := s.cfg.Storage.LoadState(key)
	if err != nil {
		return nil, fmt.Errorf("load chunk %d failed: %w", idx, err)
	} else if !ok {
		return nil, fmt.Errorf("spilled chunk %d missing", idx)
	}
	values, err := decodeIntChunk[T](blob, s.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %d failed: %w", idx, err)
	}
	s.cfg.Cache.set(key, values, int64(len(values))*8)
	return values, nil
}

// Values materializes the full sequence.
func (s *BufferedSequence[T]) Values() ([]T, error) {
	result := make([]T, 0, s.Size())
	it := s.Iterator()
	for it.Next() {
		result = append(result, it.Value())
	}
	return result, it.Err()
}

// Iterator returns a forward iterator over the elements present at the time of the call.
func (s *BufferedSequence[T]) Iterator() *SequenceIterator[T] {
	return &SequenceIterator[T]{seq: s, pos: -1, end: s.Size(), chunkIdx: -1}
}

// ReverseIterator returns an iterator from the last element to the first.
func (s *BufferedSequence[T]) ReverseIterator() *SequenceIterator[T] {
	size := s.Size()
	return &SequenceIterator[T]{seq: s, pos: size, end: size, chunkIdx: -1, reverse: true}
}

// Close drops all chunks and deletes any spilled data.
func (s *BufferedSequence[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for idx, chunk := range s.chunks {
		if chunk == nil {
			key := s.chunkKey(idx)
			s.cfg.Cache.del(key)
			errs = append(errs, s.cfg.Storage.DeleteState(key))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("%sfailed to delete spilled chunks: %v", ErrorLogPrefix, err)
	}
	s.chunks = nil
	s.resident = nil
	s.spilled = 0
	s.size = 0
}

// SequenceIterator walks a BufferedSequence one chunk at a time.
type SequenceIterator[T Element] struct {
	seq      *BufferedSequence[T]
	pos, end int64
	reverse  bool
	chunkIdx int
	chunk    []T
	value    T
	err      error
}

// Next advances the iterator, returning false at the end or on error.
func (it *SequenceIterator[T]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.reverse {
		if it.pos <= 0 {
			return false
		}
		it.pos--
	} else {
		if it.pos+1 >= it.end {
			return false
		}
		it.pos++
	}
	cs := int64(it.seq.cfg.ChunkSize)
	if idx := int(it.pos / cs); idx != it.chunkIdx {
		it.chunk, it.err = it.seq.chunk(idx)
		if it.err != nil {
			return false
		}
		it.chunkIdx = idx
	}
	off := int(it.pos % cs)
	if off >= len(it.chunk) {
		// chunk slice captured before later appends, refresh it
		it.chunk, it.err = it.seq.chunk(it.chunkIdx)
		if it.err != nil {
			return false
		}
	}
	it.value = it.chunk[off]
	return true
}

// Value returns the current element.
func (it *SequenceIterator[T]) Value() T {
	return it.value
}

// Err returns the first error encountered.
func (it *SequenceIterator[T]) Err() error {
	return it.err
}
