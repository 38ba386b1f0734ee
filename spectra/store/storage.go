package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugStorage = false

// ErrReadOnly is returned when a mutation is attempted against a storage opened for reading.
var ErrReadOnly = errors.New("storage is read only")

// ErrWriteOnly is returned when a read is attempted against a storage opened for writing.
var ErrWriteOnly = errors.New("storage is write only")

// Storage is a named-entry blob store. It backs spilled sequence chunks as well as the
// entries of a spectra archive.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	DeleteState(key string) error
	// ListKeysPrefix returns all keys in the store that begin with the given prefix.
	ListKeysPrefix(prefix string) ([]string, error)
	// ListKeys returns all keys in the store.
	ListKeys() ([]string, error)
	Clear() error
	Close()
}

// KeyPrefixStorage namespaces all keys of s under prefix. Listed keys are returned without the prefix.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) SaveState(key string, blob []byte) error {
	return p.store.SaveState(p.prefix+key, blob)
}

func (p *prefixStorage) LoadState(key string) ([]byte, bool, error) {
	return p.store.LoadState(p.prefix + key)
}

func (p *prefixStorage) DeleteState(key string) error {
	return p.store.DeleteState(p.prefix + key)
}

func (p *prefixStorage) ListKeysPrefix(prefix string) ([]string, error) {
	underlying, err := p.store.ListKeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range underlying {
		underlying[i] = strings.TrimPrefix(k, p.prefix)
	}
	return underlying, nil
}

func (p *prefixStorage) ListKeys() ([]string, error) {
	return p.ListKeysPrefix("")
}

func (p *prefixStorage) Clear() error {
	keys, err := p.ListKeys()
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := p.DeleteState(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *prefixStorage) Close() {
	p.store.Close()
}

type memStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStorage returns a Storage held entirely in process memory.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeysPrefix(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStorage) ListKeys() ([]string, error) {
	return m.ListKeysPrefix("")
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {}

const badgerSplitBuffer = 16
const badgerSplitLogFileBuffer = 240
const splitPrefixString = "badger_split:"

// badgerSplitLimit is the largest value stored under a single badger key, lowered by tests.
var badgerSplitLimit = (1 << 30) - badgerSplitBuffer - badgerSplitLogFileBuffer

var splitRe = regexp.MustCompile(`^` + splitPrefixString + `(\d+):(\d+)$`)

type badgerStorage struct {
	path string
	db   *badger.DB
}

// NewBadgerStorage opens a scratch badger database at path, used as the spill target for chunks
// that exceed the in-memory budget. The directory is removed on Close.
func NewBadgerStorage(path string, maxMemMB int) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	// chunk payloads are already snappy or lz4 encoded, a light zstd level keeps flushes cheap
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithDetectConflicts(false).
		WithChecksumVerificationMode(options.NoVerification).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(1).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockSize(1024 * 64).
		WithBlockCacheSize(clamp(int64(maxMemMB/8), 2, 128) << 20).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(max(1024*1024*128, int64(badgerSplitLimit)+badgerSplitLogFileBuffer))

	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	if debugStorage {
		go func() {
			for {
				time.Sleep(60 * time.Second)
				if db.IsClosed() {
					return
				}
				logMetrics := func(name string, metrics *ristretto.Metrics) {
					if metrics.Hits() != 0 || metrics.Misses() != 0 {
						log.Println(name + ": " + metrics.String())
					}
					metrics.Clear()
				}

				logMetrics("block", db.BlockCacheMetrics())
				logMetrics("index", db.IndexCacheMetrics())
			}
		}()
	}
	return &badgerStorage{path: path, db: db}, nil
}

func splitPartKey(key string, i int) []byte {
	return []byte(splitPrefixString + key + "-" + strconv.Itoa(i))
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		mainKey := []byte(key)

		if item, err := txn.Get(mainKey); err == nil {
			_ = item.Value(func(val []byte) error {
				if m := splitRe.FindSubmatch(val); m != nil {
					oldCount, _ := strconv.Atoi(string(m[1]))
					for i := 0; i < oldCount; i++ {
						_ = txn.Delete(splitPartKey(key, i))
					}
				}
				return nil
			})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if len(blob) <= badgerSplitLimit {
			return txn.Set(mainKey, blob)
		}

		parts := (len(blob) + badgerSplitLimit - 1) / badgerSplitLimit
		base := len(blob) / parts
		rem := len(blob) % parts
		var off int
		for i := 0; i < parts; i++ {
			sz := base
			if i < rem {
				sz++
			}
			if err := txn.Set(splitPartKey(key, i), blob[off:off+sz]); err != nil {
				return err
			}
			off += sz
		}
		// marker: "badger_split:<parts>:<totalLen>"
		return txn.Set(mainKey, []byte(fmt.Sprintf("%s%d:%d", splitPrefixString, parts, len(blob))))
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var raw []byte
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	} else if !found {
		return nil, false, nil
	}

	m := splitRe.FindSubmatch(raw)
	if m == nil {
		return raw, true, nil
	}
	count, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse value count: %w", err)
	}
	total, err := strconv.Atoi(string(m[2]))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse value size: %w", err)
	}
	stored := make([]byte, 0, total)
	if err := b.db.View(func(txn *badger.Txn) error {
		for i := 0; i < count; i++ {
			item, err := txn.Get(splitPartKey(key, i))
			if err != nil {
				return fmt.Errorf("large value failure on part %d: %w", i, err)
			} else if err := item.Value(func(v []byte) error {
				stored = append(stored, v...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (b *badgerStorage) DeleteState(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		mainKey := []byte(key)
		item, err := txn.Get(mainKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if m := splitRe.FindSubmatch(raw); m != nil {
			count, _ := strconv.Atoi(string(m[1]))
			for i := 0; i < count; i++ {
				if err := txn.Delete(splitPartKey(key, i)); err != nil {
					return err
				}
			}
		}
		return txn.Delete(mainKey)
	})
}

func (b *badgerStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			k := string(it.Item().Key())
			if strings.HasPrefix(k, splitPrefixString) {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) ListKeys() ([]string, error) {
	return b.ListKeysPrefix("")
}

func (b *badgerStorage) Clear() error {
	return b.db.DropPrefix([]byte{})
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
	_ = os.RemoveAll(b.path)
}
