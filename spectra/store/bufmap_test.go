package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Class, Counter int32
}

func TestBufferedMap(t *testing.T) {
	t.Parallel()

	for name, cfg := range spillConfigs(t) {
		t.Run(name, func(t *testing.T) {
			m := NewBufferedMap[[]testEntry](cfg)
			defer m.Close()

			for id := int32(1); id <= 30; id++ {
				require.NoError(t, m.Put(id, []testEntry{{Class: id, Counter: id * 2}, {Class: -id}}))
				require.NoError(t, m.SpillExcess())
			}
			assert.Equal(t, 30, m.Len())
			if cfg.Storage != nil {
				assert.Positive(t, m.SpilledChunks())
			}

			for id := int32(1); id <= 30; id++ {
				got, ok, err := m.Get(id)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []testEntry{{Class: id, Counter: id * 2}, {Class: -id}}, got)
			}
			_, ok, err := m.Get(0)
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = m.Get(999)
			require.NoError(t, err)
			assert.False(t, ok)

			var ids []int32
			require.NoError(t, m.Range(func(id int32, v []testEntry) bool {
				ids = append(ids, id)
				return true
			}))
			require.Len(t, ids, 30)
			assert.Equal(t, int32(1), ids[0])
			assert.Equal(t, int32(30), ids[29])
		})
	}
}

func TestBufferedMapSpilledPut(t *testing.T) {
	t.Parallel()

	m := NewBufferedMap[string](SequenceConfig{Storage: NewMemStorage(), ChunkSize: 2, MaxMemChunks: 1})
	defer m.Close()
	for id := int32(0); id < 6; id++ {
		require.NoError(t, m.Put(id, "v"))
	}
	require.NoError(t, m.SpillExcess())
	assert.Equal(t, 2, m.SpilledChunks())
	require.Error(t, m.Put(1, "late"))
	require.Error(t, m.Put(-1, "negative"))
}

func TestBufferedMapSpillFailure(t *testing.T) {
	t.Parallel()

	m := NewBufferedMap[int](SequenceConfig{Storage: readOnlyStorage{NewMemStorage()}, ChunkSize: 1, MaxMemChunks: 1})
	defer m.Close()
	require.NoError(t, m.Put(0, 10))
	require.NoError(t, m.Put(1, 11))
	require.Error(t, m.SpillExcess())

	v, ok, err := m.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, v)
	require.NoError(t, m.Put(2, 12)) // failed chunk returns to the resident set
}

func TestBufferedMapConcurrent(t *testing.T) {
	t.Parallel()

	m := NewBufferedMap[int32](SequenceConfig{Storage: NewMemStorage(), ChunkSize: 8, MaxMemChunks: 1})
	defer m.Close()

	var wg sync.WaitGroup
	for w := int32(0); w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int32(0); i < 100; i++ {
				id := i*4 + w
				assert.NoError(t, m.Put(id, id*10))
				assert.NoError(t, m.SpillExcess())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, m.Len())
	for id := int32(0); id < 400; id++ {
		v, ok, err := m.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id*10, v)
	}
}
