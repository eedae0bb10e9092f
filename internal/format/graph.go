// Package format defines the conversion compatibility graph: which target
// formats are legal for a given source format.
package format

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Graph is an immutable directed mapping of source format to the set of
// legal target formats. The relation is many-to-many and deliberately not
// symmetric: pptx converts to pdf, pdf does not convert back to pptx.
type Graph struct {
	targets map[string]map[string]struct{}
}

// defaultTable is the built-in conversion matrix.
var defaultTable = map[string][]string{
	"docx": {"pdf", "txt", "html", "md"},
	"pdf":  {"docx", "txt", "jpg", "png"},
	"xlsx": {"pdf", "csv"},
	"csv":  {"xlsx", "pdf"},
	"pptx": {"pdf"},
	"jpg":  {"pdf", "png"},
	"png":  {"pdf", "jpg"},
	"tiff": {"pdf", "png"},
	"txt":  {"pdf", "docx", "md"},
	"html": {"pdf", "md"},
	"md":   {"pdf", "html", "docx"},
}

// ocrSources are the formats OCR accepts as input.
var ocrSources = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"png":  {},
	"tiff": {},
}

// New builds a graph from a source→targets table. Every listed source must
// have at least one target; an empty target list is a table error, not an
// empty entry.
func New(table map[string][]string) (*Graph, error) {
	g := &Graph{targets: make(map[string]map[string]struct{}, len(table))}
	for src, tgts := range table {
		src = normalize(src)
		if len(tgts) == 0 {
			return nil, fmt.Errorf("format %q has no conversion targets", src)
		}
		set := make(map[string]struct{}, len(tgts))
		for _, t := range tgts {
			set[normalize(t)] = struct{}{}
		}
		g.targets[src] = set
	}
	return g, nil
}

// Default returns the graph built from the built-in conversion matrix.
func Default() *Graph {
	g, err := New(defaultTable)
	if err != nil {
		// The built-in table is validated by tests.
		panic(err)
	}
	return g
}

// graphFile is the YAML shape for operator-supplied conversion tables.
type graphFile struct {
	Conversions map[string][]string `yaml:"conversions"`
}

// Load parses a YAML conversion table. Entries replace the built-in table
// entirely; use Merge to overlay onto Default.
func Load(r io.Reader) (*Graph, error) {
	var f graphFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse conversion table: %w", err)
	}
	if len(f.Conversions) == 0 {
		return nil, fmt.Errorf("conversion table is empty")
	}
	return New(f.Conversions)
}

// Merge returns a graph with override's entries replacing base's per source.
func Merge(base, override *Graph) *Graph {
	merged := &Graph{targets: make(map[string]map[string]struct{})}
	for src, set := range base.targets {
		merged.targets[src] = set
	}
	for src, set := range override.targets {
		merged.targets[src] = set
	}
	return merged
}

// TargetsFor returns the legal target formats for a source, sorted for
// stable presentation. Unknown sources yield an empty slice, not an error;
// the caller decides whether that is fatal.
func (g *Graph) TargetsFor(source string) []string {
	set, ok := g.targets[normalize(source)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// IsLegal reports whether source→target is a defined conversion.
func (g *Graph) IsLegal(source, target string) bool {
	set, ok := g.targets[normalize(source)]
	if !ok {
		return false
	}
	_, ok = set[normalize(target)]
	return ok
}

// Sources returns all known source formats, sorted.
func (g *Graph) Sources() []string {
	out := make([]string, 0, len(g.targets))
	for s := range g.targets {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// CanOCR reports whether a format is accepted as OCR input.
func CanOCR(source string) bool {
	_, ok := ocrSources[normalize(source)]
	return ok
}

func normalize(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
