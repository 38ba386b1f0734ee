package store

import (
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

var keySpaceCounter atomic.Uint64

// newKeySpace returns a key prefix unique within the process.
func newKeySpace(kind string) string {
	return kind + strconv.FormatUint(keySpaceCounter.Add(1), 36) + "/"
}

// ChunkCache holds decoded chunks read back from spill storage, bounded by an approximate byte cost.
type ChunkCache struct {
	cache *ristretto.Cache[string, any]
}

// NewChunkCache creates a cache with a budget of maxMB megabytes.
func NewChunkCache(maxMB int) (*ChunkCache, error) {
	maxCost := int64(max(1, maxMB)) << 20
	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: max(1024, maxCost/(64<<10)*10),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ChunkCache{cache: cache}, nil
}

func (c *ChunkCache) get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *ChunkCache) set(key string, value any, cost int64) {
	if c != nil {
		c.cache.Set(key, value, cost)
	}
}

func (c *ChunkCache) del(key string) {
	if c != nil {
		c.cache.Del(key)
	}
}

// Close releases the cache.
func (c *ChunkCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
