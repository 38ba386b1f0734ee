package store

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

type mapChunk[V any] struct {
	values   map[int32]V // nil once spilled
	spilling bool
}

// BufferedMap maps small non-negative ids to values. Ids are grouped into chunks of ChunkSize
// consecutive ids, full chunks beyond the memory budget are moved to Storage by SpillExcess.
type BufferedMap[V any] struct {
	mu       sync.RWMutex
	cfg      SequenceConfig
	keySpace string
	chunks   []*mapChunk[V]
	resident []int
	count    int
}

// NewBufferedMap creates an empty map.
func NewBufferedMap[V any](cfg SequenceConfig) *BufferedMap[V] {
	return &BufferedMap[V]{
		cfg:      cfg.withDefaults(),
		keySpace: newKeySpace("map"),
	}
}

func (m *BufferedMap[V]) chunkKey(idx int) string {
	return m.keySpace + strconv.Itoa(idx)
}

// Put stores v under id. Ids belonging to a chunk that has already been spilled are rejected.
func (m *BufferedMap[V]) Put(id int32, v V) error {
	if id < 0 {
		return fmt.Errorf("negative map id: %d", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(id) / m.cfg.ChunkSize
	for len(m.chunks) <= idx {
		m.chunks = append(m.chunks, &mapChunk[V]{values: make(map[int32]V)})
	}
	chunk := m.chunks[idx]
	if chunk.values == nil || chunk.spilling {
		return fmt.Errorf("map id %d belongs to a spilled chunk", id)
	}
	if _, exists := chunk.values[id]; !exists {
		m.count++
	}
	chunk.values[id] = v
	if len(chunk.values) == m.cfg.ChunkSize && m.cfg.Storage != nil {
		m.resident = append(m.resident, idx)
	}
	return nil
}

// SpillExcess writes full chunks beyond the memory budget to Storage. The map lock is not held while
// chunks are encoded and written, concurrent Get calls continue to see the resident values.
func (m *BufferedMap[V]) SpillExcess() error {
	m.mu.Lock()
	if m.cfg.Storage == nil || len(m.resident) <= m.cfg.MaxMemChunks {
		m.mu.Unlock()
		return nil
	}
	excess := slices.Clone(m.resident[:len(m.resident)-m.cfg.MaxMemChunks])
	m.resident = m.resident[len(excess):]
	pending := make(map[int]map[int32]V, len(excess))
	for _, idx := range excess {
		chunk := m.chunks[idx]
		chunk.spilling = true
		pending[idx] = chunk.values
	}
	m.mu.Unlock()

	var errs []error
	for _, idx := range excess {
		err := m.writeChunk(idx, pending[idx])

		m.mu.Lock()
		chunk := m.chunks[idx]
		chunk.spilling = false
		if err == nil {
			chunk.values = nil
		} else {
			m.resident = append(m.resident, idx)
			errs = append(errs, err)
		}
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *BufferedMap[V]) writeChunk(idx int, values map[int32]V) error {
	encoded, err := msgpack.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode map chunk %d failed: %w", idx, err)
	}
	blob := s2.EncodeBetter(nil, encoded)
	if err := m.cfg.Storage.SaveState(m.chunkKey(idx), blob); err != nil {
		return fmt.Errorf("spill map chunk %d failed: %w", idx, err)
	}
	if debugSpill {
		log.Printf("spilled map chunk %d (%s entries, %s)", idx,
			humanize.Comma(int64(len(values))), humanize.Bytes(uint64(len(blob))))
	}
	return nil
}

// Get returns the value stored under id.
func (m *BufferedMap[V]) Get(id int32) (V, bool, error) {
	var zero V
	if id < 0 {
		return zero, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := int(id) / m.cfg.ChunkSize
	if idx >= len(m.chunks) {
		return zero, false, nil
	}
	values := m.chunks[idx].values
	if values == nil {
		var err error
		if values, err = m.loadChunk(idx); err != nil {
			return zero, false, err
		}
	}
	v, ok := values[id]
	return v, ok, nil
}

func (m *BufferedMap[V]) loadChunk(idx int) (map[int32]V, error) {
	key := m.chunkKey(idx)
	if cached, ok := m.cfg.Cache.get(key); ok {
		if values, ok := cached.(map[int32]V); ok {
			return values, nil
		}
	}
	blob, ok, err := m.cfg.Storage.LoadState(key)
	if err != nil {
		return nil, fmt.Errorf("load map chunk %d failed: %w", idx, err)
	} else if !ok {
		return nil, fmt.Errorf("spilled map chunk %d missing", idx)
	}
	raw, err := s2.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decode map chunk %d failed: %w", idx, err)
	}
	var values map[int32]V
	if err := msgpack.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode map chunk %d failed: %w", idx, err)
	}
	m.cfg.Cache.set(key, values, int64(len(raw)))
	return values, nil
}

// Len returns the number of stored ids.
func (m *BufferedMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// SpilledChunks returns how many chunks currently live in Storage.
func (m *BufferedMap[V]) SpilledChunks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for _, chunk := range m.chunks {
		if chunk.values == nil {
			n++
		}
	}
	return n
}

// Range invokes fn for every entry in ascending id order until fn returns false.
func (m *BufferedMap[V]) Range(fn func(id int32, v V) bool) error {
	m.mu.RLock()
	chunkCount := len(m.chunks)
	m.mu.RUnlock()

	for idx := 0; idx < chunkCount; idx++ {
		m.mu.RLock()
		values := m.chunks[idx].values
		var err error
		if values == nil {
			values, err = m.loadChunk(idx)
		}
		m.mu.RUnlock()
		if err != nil {
			return err
		}

		ids := make([]int32, 0, len(values))
		for id := range values {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if !fn(id, values[id]) {
				return nil
			}
		}
	}
	return nil
}

// Close drops all values and deletes any spilled data.
func (m *BufferedMap[V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for idx, chunk := range m.chunks {
		if chunk.values == nil {
			key := m.chunkKey(idx)
			m.cfg.Cache.del(key)
			errs = append(errs, m.cfg.Storage.DeleteState(key))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("%sfailed to delete spilled map chunks: %v", ErrorLogPrefix, err)
	}
	m.chunks = nil
	m.resident = nil
	m.count = 0
}
