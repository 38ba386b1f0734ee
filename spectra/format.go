package spectra

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

// Archive entry names. Each entry also has a legacy numeric alias which is accepted on load.
const (
	nodeIdentifiersEntry   = ".nodeIDs"
	nodeIdentifiersLegacy  = "0.bin"
	traceIdentifiersEntry  = ".traceIDs"
	traceIdentifiersLegacy = "1.bin"
	involvementTableEntry  = "2.bin"
	statusEntry            = ".status"
	statusLegacy           = "3.bin"
	indexEntry             = ".index"
	indexLegacy            = "4.bin"
	traceEntrySuffix       = ".trc"
	executionTraceSuffix   = ".flw"

	identifierDelimiter = "\t"
)

var (
	// ErrMalformedArchive is returned when a required entry is missing or cannot be decoded.
	ErrMalformedArchive = errors.New("malformed spectra archive")
	// ErrUnknownStatus is returned for a status byte outside of the known formats.
	ErrUnknownStatus = errors.New("unknown spectra status")
)

// archiveStatus records the involvement encoding, compression and identifier indexing of an archive.
type archiveStatus byte

const (
	statusUncompressed archiveStatus = iota
	statusCompressed
	statusUncompressedIndexed
	statusCompressedIndexed
	statusSparse
	statusSparseIndexed
	statusCount
	statusCountIndexed
)

func (s archiveStatus) valid() bool {
	return s <= statusCountIndexed
}

func (s archiveStatus) indexed() bool {
	return s == statusUncompressedIndexed || s == statusCompressedIndexed ||
		s == statusSparseIndexed || s == statusCountIndexed
}

func (s archiveStatus) sparse() bool {
	return s == statusSparse || s == statusSparseIndexed
}

func (s archiveStatus) count() bool {
	return s == statusCount || s == statusCountIndexed
}

func (s archiveStatus) compressed() bool {
	return s == statusCompressed || s == statusCompressedIndexed
}

// SaveOptions selects the archive encoding.
type SaveOptions struct {
	// Sparse stores involved node ordinals instead of a dense flag per node. Ignored for count spectra.
	Sparse bool
	// Compress applies zstd to dense involvement blobs. Ignored for sparse and count encodings.
	Compress bool
	// Index stores package, file and method names once in a name table.
	Index bool
}

func statusFor(kind InvolvementKind, opts SaveOptions) archiveStatus {
	var st archiveStatus
	switch {
	case kind == InvolvementCount:
		st = statusCount
	case opts.Sparse:
		st = statusSparse
	case opts.Compress:
		st = statusCompressed
	default:
		st = statusUncompressed
	}
	if opts.Index {
		switch st {
		case statusUncompressed:
			st = statusUncompressedIndexed
		case statusCompressed:
			st = statusCompressedIndexed
		default:
			st++ // sparse and count place the indexed variant directly after
		}
	}
	return st
}

func traceEntryName(traceOrdinal int) string {
	return strconv.Itoa(traceOrdinal) + traceEntrySuffix
}

func executionTraceEntryName(traceOrdinal, threadOrdinal int) string {
	return strconv.Itoa(traceOrdinal) + "-" + strconv.Itoa(threadOrdinal) + executionTraceSuffix
}

// Save writes s into st. Involvement blobs and execution traces are encoded in parallel, entries are
// written in a fixed order: trace entries, execution traces, identifiers, status and name table.
func Save(st store.Storage, s *Spectra, opts SaveOptions) error {
	if len(s.nodes) == 0 || len(s.traces) == 0 {
		return ErrEmptySpectra
	}
	status := statusFor(s.kind, opts)

	var nodeIDs strings.Builder
	var names *nameIndex
	if status.indexed() {
		names = newNameIndex()
	}
	for _, n := range s.nodes {
		if err := n.Block.validate(); err != nil {
			return err
		}
		if names != nil {
			nodeIDs.WriteString(names.indexedIdentifier(n.Block))
		} else {
			nodeIDs.WriteString(n.Identifier())
		}
		nodeIDs.WriteString(identifierDelimiter)
	}
	traceIDs := make([]string, len(s.traces))
	for i, t := range s.traces {
		traceIDs[i] = t.identifier
	}

	blobs := make([][]byte, len(s.traces))
	flows := make([][][]byte, len(s.traces))
	eg := store.ErrGroupLimitCPU()
	for i, t := range s.traces {
		eg.Go(func() error {
			blobs[i] = encodeInvolvement(t, len(s.nodes), status)
			flows[i] = make([][]byte, len(t.execTraces))
			for j, ct := range t.execTraces {
				blob, err := trace.MarshalTrace(ct)
				if err != nil {
					return fmt.Errorf("encode execution trace %s-%d: %w", t.identifier, j+1, err)
				}
				flows[i][j] = blob
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i := range s.traces {
		if err := st.SaveState(traceEntryName(i+1), blobs[i]); err != nil {
			return err
		}
		for j, blob := range flows[i] {
			if err := st.SaveState(executionTraceEntryName(i+1, j+1), blob); err != nil {
				return err
			}
		}
	}
	if err := st.SaveState(nodeIdentifiersEntry, []byte(nodeIDs.String())); err != nil {
		return err
	} else if err = st.SaveState(traceIdentifiersEntry, joinIdentifiers(traceIDs)); err != nil {
		return err
	} else if err = st.SaveState(statusEntry, []byte{byte(status)}); err != nil {
		return err
	} else if names != nil {
		return st.SaveState(indexEntry, joinIdentifiers(names.names))
	}
	return nil
}

// SaveFile writes s as a zip archive at path. A partially written archive is removed on failure.
func SaveFile(path string, s *Spectra, opts SaveOptions) error {
	z, err := store.CreateZipStorage(path)
	if err != nil {
		return err
	}
	if err = Save(z, s, opts); err != nil {
		_ = z.Finish()
		_ = os.Remove(path)
		return err
	}
	return z.Finish()
}

func successFlag(t *Trace) int64 {
	if t.successful {
		return 1
	}
	return 0
}

func encodeInvolvement(t *Trace, nodeCount int, st archiveStatus) []byte {
	switch {
	case st.count():
		values := make([]int64, nodeCount+1)
		values[0] = successFlag(t)
		for i := 0; i < nodeCount; i++ {
			values[i+1] = t.Hits(i)
		}
		return store.EncodeIntSequence(values)
	case st.sparse():
		values := make([]int64, 1, t.InvolvedCount()+1)
		values[0] = successFlag(t)
		for _, idx := range t.InvolvedNodes() {
			values = append(values, int64(idx)+1)
		}
		return store.EncodeIntSequence(values)
	default:
		dense := make([]byte, nodeCount+1)
		dense[0] = byte(successFlag(t))
		for _, idx := range t.InvolvedNodes() {
			dense[idx+1] = 1
		}
		if st.compressed() {
			return store.CompressDense(dense)
		}
		return dense
	}
}

// Load reads a spectra archive from st.
func Load(st store.Storage) (*Spectra, error) {
	return LoadWithConfig(st, store.SequenceConfig{})
}

// LoadWithConfig reads a spectra archive from st, buffering execution traces through cfg.
func LoadWithConfig(st store.Storage, cfg store.SequenceConfig) (*Spectra, error) {
	status, err := loadStatus(st)
	if err != nil {
		return nil, err
	}
	blocks, err := loadNodeBlocks(st, status)
	if err != nil {
		return nil, err
	}
	traceIDs, err := loadIdentifiers(st, traceIdentifiersEntry, traceIdentifiersLegacy)
	if err != nil {
		return nil, err
	}

	kind := InvolvementBoolean
	if status.count() {
		kind = InvolvementCount
	}
	s := NewWithConfig(kind, cfg)
	for _, b := range blocks {
		s.GetOrCreateNode(b)
	}
	if s.NodeCount() != len(blocks) {
		return nil, fmt.Errorf("%w: duplicate node identifiers", ErrMalformedArchive)
	}

	table, ok, err := st.LoadState(involvementTableEntry)
	if err != nil {
		return nil, err
	} else if ok {
		err = loadLegacyTable(s, table, status, traceIDs)
	} else {
		err = loadTraceEntries(st, s, status, traceIDs)
	}
	if err == nil {
		err = loadExecutionTraces(st, s)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// LoadFile reads a zip spectra archive from path.
func LoadFile(path string) (*Spectra, error) {
	z, err := store.OpenZipStorage(path)
	if err != nil {
		return nil, err
	}
	defer z.Close()
	return Load(z)
}

func loadOneOf(st store.Storage, keys ...string) ([]byte, bool, error) {
	for _, key := range keys {
		if blob, ok, err := st.LoadState(key); err != nil {
			return nil, false, fmt.Errorf("load %s failed: %w", key, err)
		} else if ok {
			return blob, true, nil
		}
	}
	return nil, false, nil
}

func loadStatus(st store.Storage) (archiveStatus, error) {
	blob, ok, err := loadOneOf(st, statusEntry, statusLegacy)
	if err != nil {
		return 0, err
	} else if !ok {
		log.Printf("WARN: no status entry in spectra archive, assuming compressed format")
		return statusCompressed, nil
	} else if len(blob) != 1 {
		return 0, fmt.Errorf("%w: status entry has %d bytes", ErrMalformedArchive, len(blob))
	}
	s := archiveStatus(blob[0])
	if !s.valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, blob[0])
	}
	return s, nil
}

// joinIdentifiers terminates every identifier with the delimiter, so empty names survive a round trip.
func joinIdentifiers(ids []string) []byte {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		sb.WriteString(identifierDelimiter)
	}
	return []byte(sb.String())
}

// loadIdentifiers reads a delimited identifier list. Lists written with and without a terminating
// delimiter are both accepted.
func loadIdentifiers(st store.Storage, keys ...string) ([]string, error) {
	blob, ok, err := loadOneOf(st, keys...)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: missing %s entry", ErrMalformedArchive, keys[0])
	} else if len(blob) == 0 {
		return nil, nil
	}
	return strings.Split(strings.TrimSuffix(string(blob), identifierDelimiter), identifierDelimiter), nil
}

func loadNodeBlocks(st store.Storage, status archiveStatus) ([]SourceCodeBlock, error) {
	identifiers, err := loadIdentifiers(st, nodeIdentifiersEntry, nodeIdentifiersLegacy)
	if err != nil {
		return nil, err
	}
	var names []string
	if status.indexed() {
		if names, err = loadIdentifiers(st, indexEntry, indexLegacy); err != nil {
			return nil, err
		}
	}

	blocks := make([]SourceCodeBlock, len(identifiers))
	for i, id := range identifiers {
		if status.indexed() {
			blocks[i], err = parseIndexedIdentifier(id, names)
		} else {
			blocks[i], err = ParseSourceCodeBlock(id)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %w", ErrMalformedArchive, i+1, err)
		}
	}
	return blocks, nil
}

func loadTraceEntries(st store.Storage, s *Spectra, status archiveStatus, traceIDs []string) error {
	for i, id := range traceIDs {
		name := traceEntryName(i + 1)
		blob, ok, err := st.LoadState(name)
		if err != nil {
			return fmt.Errorf("load %s failed: %w", name, err)
		} else if !ok {
			return fmt.Errorf("%w: missing entry %s for trace %s", ErrMalformedArchive, name, id)
		}
		if err = decodeTraceBlob(s, id, blob, status); err != nil {
			return fmt.Errorf("%w: entry %s: %w", ErrMalformedArchive, name, err)
		}
	}
	return nil
}

func decodeTraceBlob(s *Spectra, id string, blob []byte, status archiveStatus) error {
	switch {
	case status.count():
		values, err := store.DecodeIntSequence[int64](blob)
		if err != nil {
			return err
		}
		return addCountTrace(s, id, values)
	case status.sparse():
		values, err := store.DecodeIntSequence[int64](blob)
		if err != nil {
			return err
		}
		return addSparseTrace(s, id, values)
	default:
		if status.compressed() {
			var err error
			if blob, err = store.DecompressDense(blob, s.NodeCount()+1); err != nil {
				return err
			}
		}
		return addDenseTrace(s, id, blob)
	}
}

func addDenseTrace(s *Spectra, id string, dense []byte) error {
	if len(dense) != s.NodeCount()+1 {
		return fmt.Errorf("dense involvement has %d entries, expected %d", len(dense), s.NodeCount()+1)
	}
	t, err := s.AddTrace(id, dense[0] == 1)
	if err != nil {
		return err
	}
	for i, v := range dense[1:] {
		if v != 0 {
			t.involved.Add(uint32(i))
		}
	}
	return nil
}

func addSparseTrace(s *Spectra, id string, values []int64) error {
	if len(values) == 0 {
		return errors.New("sparse involvement is missing the outcome flag")
	}
	t, err := s.AddTrace(id, values[0] == 1)
	if err != nil {
		return err
	}
	for _, ordinal := range values[1:] {
		if ordinal < 1 || ordinal > int64(s.NodeCount()) {
			return fmt.Errorf("node ordinal %d out of range", ordinal)
		}
		t.involved.Add(uint32(ordinal - 1))
	}
	return nil
}

func addCountTrace(s *Spectra, id string, values []int64) error {
	if len(values) != s.NodeCount()+1 {
		return fmt.Errorf("hit counts have %d entries, expected %d", len(values), s.NodeCount()+1)
	}
	t, err := s.AddTrace(id, values[0] == 1)
	if err != nil {
		return err
	}
	for i, hits := range values[1:] {
		if hits < 0 {
			return fmt.Errorf("negative hit count for node %d", i+1)
		} else if hits > 0 {
			t.SetHits(i, hits)
		}
	}
	return nil
}

// loadExecutionTraces attaches {t}-{th}.flw entries until the first missing thread ordinal.
func loadExecutionTraces(st store.Storage, s *Spectra) error {
	for i, t := range s.traces {
		for j := 1; ; j++ {
			name := executionTraceEntryName(i+1, j)
			blob, ok, err := st.LoadState(name)
			if err != nil {
				return fmt.Errorf("load %s failed: %w", name, err)
			} else if !ok {
				break
			}
			ct, err := trace.UnmarshalTrace[int32](blob, s.seqConfig)
			if err != nil {
				return fmt.Errorf("%w: entry %s: %w", ErrMalformedArchive, name, err)
			}
			t.AddCompressedExecutionTrace(ct)
		}
	}
	return nil
}
