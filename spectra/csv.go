package spectra

import (
	"encoding/csv"
	"io"
	"slices"
	"strconv"
)

// WriteCSV writes the involvement matrix with one row per node, sorted by source position, and one
// column per trace with failing traces first. Count spectra write hit counts. The bicluster layout
// marks failing involvement as 3/2 and omits the trailing outcome row.
func WriteCSV(w io.Writer, s *Spectra, bicluster bool) error {
	if s.NodeCount() == 0 || len(s.traces) == 0 {
		return ErrEmptySpectra
	}
	failing := s.FailingTraces()
	passing := s.SuccessfulTraces()
	nodes := s.Nodes()
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		return compareBlocks(a.Block, b.Block)
	})

	cw := csv.NewWriter(w)
	row := make([]string, 1+len(failing)+len(passing))
	cell := func(t *Trace, index int, failed bool) string {
		if s.kind == InvolvementCount {
			return strconv.FormatInt(t.Hits(index), 10)
		}
		involved := t.IsInvolved(index)
		switch {
		case bicluster && failed && involved:
			return "3"
		case bicluster && failed:
			return "2"
		case involved:
			return "1"
		default:
			return "0"
		}
	}
	for _, n := range nodes {
		row[0] = n.Identifier()
		col := 1
		for _, t := range failing {
			row[col] = cell(t, n.Index, true)
			col++
		}
		for _, t := range passing {
			row[col] = cell(t, n.Index, false)
			col++
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if !bicluster {
		row[0] = ""
		for i := range failing {
			row[1+i] = "fail"
		}
		for i := range passing {
			row[1+len(failing)+i] = "successful"
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
