package spectra

import (
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/pmezard/go-difflib/difflib"
)

// NodeDiff describes how the node sets of two spectra differ.
type NodeDiff struct {
	// Added lists identifiers only present in the second spectra, in its node order.
	Added []string
	// Removed lists identifiers only present in the first spectra, in its node order.
	Removed []string
	// Unified is a unified diff of the ordered identifier lists, empty when they are identical.
	Unified string
}

// Equal reports whether both node lists are identical including order.
func (d NodeDiff) Equal() bool {
	return d.Unified == ""
}

func nodeIdentifiers(s *Spectra) []string {
	ids := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		ids[i] = n.Identifier()
	}
	return ids
}

// DiffNodes compares the node identifiers of a and b.
func DiffNodes(a, b *Spectra, nameA, nameB string) (NodeDiff, error) {
	idsA := nodeIdentifiers(a)
	idsB := nodeIdentifiers(b)
	setA := bulk.SliceToSet(idsA)
	setB := bulk.SliceToSet(idsB)

	result := NodeDiff{
		Added: bulk.SliceFilter(func(id string) bool {
			_, ok := setA[id]
			return !ok
		}, idsB),
		Removed: bulk.SliceFilter(func(id string) bool {
			_, ok := setB[id]
			return !ok
		}, idsA),
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.Join(idsA, "\n") + "\n"),
		B:        difflib.SplitLines(strings.Join(idsB, "\n") + "\n"),
		FromFile: nameA,
		ToFile:   nameB,
		Context:  2,
	})
	if err != nil {
		return NodeDiff{}, err
	}
	result.Unified = text
	return result, nil
}
