package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
)

// ZipWriter is a write-once Storage producing a zip archive. Entries are written in the order they
// are saved and cannot be replaced or read back. Finish must be called to produce a valid archive.
type ZipWriter struct {
	mu       sync.Mutex
	f        *os.File
	zw       *zip.Writer
	names    []string
	seen     map[string]struct{}
	finished bool
}

// CreateZipStorage creates (or truncates) the archive at path.
func CreateZipStorage(path string) (*ZipWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive failed: %w", err)
	}
	return &ZipWriter{
		f:    f,
		zw:   zip.NewWriter(f),
		seen: make(map[string]struct{}),
	}, nil
}

func (z *ZipWriter) SaveState(key string, blob []byte) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.finished {
		return errors.New("archive already finished")
	} else if _, ok := z.seen[key]; ok {
		return fmt.Errorf("duplicate archive entry: %s", key)
	}
	w, err := z.zw.CreateHeader(&zip.FileHeader{Name: key, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create entry %s failed: %w", key, err)
	} else if _, err = w.Write(blob); err != nil {
		return fmt.Errorf("write entry %s failed: %w", key, err)
	}
	z.seen[key] = struct{}{}
	z.names = append(z.names, key)
	return nil
}

func (z *ZipWriter) LoadState(string) ([]byte, bool, error) {
	return nil, false, ErrWriteOnly
}

func (z *ZipWriter) DeleteState(string) error {
	return ErrWriteOnly
}

func (z *ZipWriter) ListKeysPrefix(prefix string) ([]string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	var keys []string
	for _, name := range z.names {
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (z *ZipWriter) ListKeys() ([]string, error) {
	return z.ListKeysPrefix("")
}

func (z *ZipWriter) Clear() error {
	return ErrWriteOnly
}

// Finish writes the central directory and closes the file.
func (z *ZipWriter) Finish() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.finished {
		return nil
	}
	z.finished = true
	return errors.Join(z.zw.Close(), z.f.Close())
}

func (z *ZipWriter) Close() {
	_ = z.Finish()
}

const maxZipPresize = 16 << 20

type zipReaderStorage struct {
	rc      *zip.ReadCloser
	entries map[string]*zip.File
	names   []string
}

// OpenZipStorage opens an existing archive as a read-only Storage.
func OpenZipStorage(path string) (Storage, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive failed: %w", err)
	}
	s := &zipReaderStorage{
		rc:      rc,
		entries: make(map[string]*zip.File, len(rc.File)),
		names:   make([]string, 0, len(rc.File)),
	}
	for _, file := range rc.File {
		if _, ok := s.entries[file.Name]; ok {
			continue // first entry wins
		}
		s.entries[file.Name] = file
		s.names = append(s.names, file.Name)
	}
	return s, nil
}

func (s *zipReaderStorage) SaveState(string, []byte) error {
	return ErrReadOnly
}

func (s *zipReaderStorage) LoadState(key string) ([]byte, bool, error) {
	file, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	r, err := file.Open()
	if err != nil {
		return nil, false, fmt.Errorf("open entry %s failed: %w", key, err)
	}
	defer r.Close()

	// the header size is untrusted, it only hints the initial buffer
	buf := bytes.NewBuffer(make([]byte, 0, min(file.UncompressedSize64, maxZipPresize)))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, false, fmt.Errorf("read entry %s failed: %w", key, err)
	}
	return buf.Bytes(), true, nil
}

func (s *zipReaderStorage) DeleteState(string) error {
	return ErrReadOnly
}

func (s *zipReaderStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	for _, name := range s.names {
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (s *zipReaderStorage) ListKeys() ([]string, error) {
	return s.ListKeysPrefix("")
}

func (s *zipReaderStorage) Clear() error {
	return ErrReadOnly
}

func (s *zipReaderStorage) Close() {
	_ = s.rc.Close()
}
