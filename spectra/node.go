package spectra

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PatchLens/go-spectra-lens/spectra/trace"
)

const identifierSeparator = ":"

var errInvalidIdentifier = errors.New("invalid node identifier")

// SourceCodeBlock identifies an instrumentable source location.
type SourceCodeBlock struct {
	// Package is the enclosing package (or namespace) name.
	Package string
	// File is the source file, matching trace.Location.SourceFile.
	File string
	// Method is the enclosing method name.
	Method string
	// Line is the source line number.
	Line int
	// Kind distinguishes branch outcomes on the same line.
	Kind trace.NodeKind
}

// Identifier renders the block as pkg:file:method:line with an optional :T or :F branch suffix.
func (b SourceCodeBlock) Identifier() string {
	var sb strings.Builder
	sb.WriteString(b.Package)
	sb.WriteString(identifierSeparator)
	sb.WriteString(b.File)
	sb.WriteString(identifierSeparator)
	sb.WriteString(b.Method)
	sb.WriteString(identifierSeparator)
	sb.WriteString(strconv.Itoa(b.Line))
	if k := b.Kind.String(); k != "" {
		sb.WriteString(identifierSeparator)
		sb.WriteString(k)
	}
	return sb.String()
}

func (b SourceCodeBlock) String() string {
	return b.Identifier()
}

// Location returns the trace location the block is resolved from.
func (b SourceCodeBlock) Location() trace.Location {
	return trace.Location{SourceFile: b.File, Line: b.Line, Kind: b.Kind}
}

// validate reports an error if the identifier could not be parsed back.
func (b SourceCodeBlock) validate() error {
	for _, part := range [...]string{b.Package, b.File, b.Method} {
		if strings.ContainsAny(part, identifierSeparator+identifierDelimiter+"\n") {
			return fmt.Errorf("%w: reserved character in %q", errInvalidIdentifier, b.Identifier())
		}
	}
	return nil
}

// ParseSourceCodeBlock parses the output of SourceCodeBlock.Identifier.
func ParseSourceCodeBlock(identifier string) (SourceCodeBlock, error) {
	parts, kind, err := splitIdentifier(identifier)
	if err != nil {
		return SourceCodeBlock{}, err
	}
	line, err := strconv.Atoi(parts[3])
	if err != nil {
		return SourceCodeBlock{}, fmt.Errorf("%w: bad line in %q", errInvalidIdentifier, identifier)
	}
	return SourceCodeBlock{
		Package: parts[0],
		File:    parts[1],
		Method:  parts[2],
		Line:    line,
		Kind:    kind,
	}, nil
}

func splitIdentifier(identifier string) ([]string, trace.NodeKind, error) {
	parts := strings.Split(identifier, identifierSeparator)
	kind := trace.NodeNormal
	if len(parts) == 5 {
		switch parts[4] {
		case trace.NodeTrueBranch.String():
			kind = trace.NodeTrueBranch
		case trace.NodeFalseBranch.String():
			kind = trace.NodeFalseBranch
		default:
			return nil, kind, fmt.Errorf("%w: bad kind in %q", errInvalidIdentifier, identifier)
		}
		parts = parts[:4]
	} else if len(parts) != 4 {
		return nil, kind, fmt.Errorf("%w: %q", errInvalidIdentifier, identifier)
	}
	return parts, kind, nil
}

func compareBlocks(a, b SourceCodeBlock) int {
	return cmp.Or(
		cmp.Compare(a.Package, b.Package),
		cmp.Compare(a.File, b.File),
		cmp.Compare(a.Line, b.Line),
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.Method, b.Method),
	)
}

// nameIndex assigns dense indexes to package, file and method names in first use order.
type nameIndex struct {
	ids   map[string]int
	names []string
}

func newNameIndex() *nameIndex {
	return &nameIndex{ids: make(map[string]int)}
}

func (n *nameIndex) id(name string) int {
	if id, ok := n.ids[name]; ok {
		return id
	}
	id := len(n.names)
	n.ids[name] = id
	n.names = append(n.names, name)
	return id
}

// indexedIdentifier renders b with its names replaced by indexes into n.
func (n *nameIndex) indexedIdentifier(b SourceCodeBlock) string {
	indexed := SourceCodeBlock{
		Package: strconv.Itoa(n.id(b.Package)),
		File:    strconv.Itoa(n.id(b.File)),
		Method:  strconv.Itoa(n.id(b.Method)),
		Line:    b.Line,
		Kind:    b.Kind,
	}
	return indexed.Identifier()
}

// parseIndexedIdentifier expands an indexed identifier through the name table.
func parseIndexedIdentifier(identifier string, names []string) (SourceCodeBlock, error) {
	indexed, err := ParseSourceCodeBlock(identifier)
	if err != nil {
		return SourceCodeBlock{}, err
	}
	lookup := func(s string) (string, error) {
		i, err := strconv.Atoi(s)
		if err != nil || i < 0 || i >= len(names) {
			return "", fmt.Errorf("%w: bad name index %q in %q", errInvalidIdentifier, s, identifier)
		}
		return names[i], nil
	}
	var errs []error
	var pkg, file, method string
	pkg, err = lookup(indexed.Package)
	errs = append(errs, err)
	file, err = lookup(indexed.File)
	errs = append(errs, err)
	method, err = lookup(indexed.Method)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return SourceCodeBlock{}, err
	}
	return SourceCodeBlock{
		Package: pkg,
		File:    file,
		Method:  method,
		Line:    indexed.Line,
		Kind:    indexed.Kind,
	}, nil
}
