package spectra

import (
	"fmt"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

// loadLegacyTable decodes the single involvement table of archives written before per-trace entries.
// Sparse and count tables hold one integer sequence per trace, dense tables hold the concatenated
// per-trace flag rows.
func loadLegacyTable(s *Spectra, table []byte, status archiveStatus, traceIDs []string) error {
	if status.sparse() || status.count() {
		rows, err := store.DecodeIntSequences[int64](table)
		if err != nil {
			return fmt.Errorf("%w: involvement table: %w", ErrMalformedArchive, err)
		} else if len(rows) != len(traceIDs) {
			return fmt.Errorf("%w: involvement table has %d rows for %d traces",
				ErrMalformedArchive, len(rows), len(traceIDs))
		}
		for i, row := range rows {
			if status.count() {
				err = addCountTrace(s, traceIDs[i], row)
			} else {
				err = addSparseTrace(s, traceIDs[i], row)
			}
			if err != nil {
				return fmt.Errorf("%w: involvement table row %d: %w", ErrMalformedArchive, i+1, err)
			}
		}
		return nil
	}

	rowLen := s.NodeCount() + 1
	if status.compressed() {
		var err error
		if table, err = store.DecompressDense(table, rowLen*len(traceIDs)); err != nil {
			return fmt.Errorf("%w: involvement table: %w", ErrMalformedArchive, err)
		}
	}
	if len(table) != rowLen*len(traceIDs) {
		return fmt.Errorf("%w: involvement table has %d bytes, expected %d",
			ErrMalformedArchive, len(table), rowLen*len(traceIDs))
	}
	for i, id := range traceIDs {
		if err := addDenseTrace(s, id, table[i*rowLen:(i+1)*rowLen]); err != nil {
			return fmt.Errorf("%w: involvement table row %d: %w", ErrMalformedArchive, i+1, err)
		}
	}
	return nil
}
