package format

import (
	"slices"
	"strings"
	"testing"
)

func TestDefaultTableIsValid(t *testing.T) {
	g := Default()
	for _, src := range g.Sources() {
		if len(g.TargetsFor(src)) == 0 {
			t.Errorf("source %q has empty target set", src)
		}
	}
}

func TestIsLegal(t *testing.T) {
	g := Default()

	tests := []struct {
		source string
		target string
		want   bool
	}{
		{"docx", "pdf", true},
		{"pdf", "docx", true},
		{"pptx", "pdf", true},
		// Asymmetric: pdf does not convert back to pptx.
		{"pdf", "pptx", false},
		{"jpg", "pdf", true},
		{"pdf", "jpg", true},
		{"docx", "xyz", false},
		{"xyz", "pdf", false},
		// Normalization: case and leading dot.
		{"DOCX", "PDF", true},
		{".docx", "pdf", true},
	}

	for _, tt := range tests {
		t.Run(tt.source+"_to_"+tt.target, func(t *testing.T) {
			if got := g.IsLegal(tt.source, tt.target); got != tt.want {
				t.Errorf("IsLegal(%q, %q) = %v, want %v", tt.source, tt.target, got, tt.want)
			}
		})
	}
}

func TestTargetsForUnknownSource(t *testing.T) {
	g := Default()
	if got := g.TargetsFor("xyz"); len(got) != 0 {
		t.Errorf("TargetsFor(xyz) = %v, want empty", got)
	}
}

func TestTargetsForSorted(t *testing.T) {
	g := Default()
	targets := g.TargetsFor("docx")
	if !slices.IsSorted(targets) {
		t.Errorf("targets not sorted: %v", targets)
	}
	if !slices.Contains(targets, "pdf") {
		t.Errorf("docx targets missing pdf: %v", targets)
	}
}

func TestNewRejectsEmptyTargetSet(t *testing.T) {
	_, err := New(map[string][]string{"docx": {}})
	if err == nil {
		t.Fatal("New() accepted an empty target set")
	}
}

func TestLoadYAML(t *testing.T) {
	input := `
conversions:
  docx: [pdf]
  odt: [pdf, docx]
`
	g, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !g.IsLegal("odt", "docx") {
		t.Error("odt→docx should be legal after load")
	}
	if g.IsLegal("docx", "txt") {
		t.Error("loaded table should replace built-in entries")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(strings.NewReader("conversionz:\n  a: [b]\n")); err == nil {
		t.Fatal("Load() accepted unknown top-level key")
	}
}

func TestLoadRejectsEmptyTable(t *testing.T) {
	if _, err := Load(strings.NewReader("conversions: {}\n")); err == nil {
		t.Fatal("Load() accepted empty table")
	}
}

func TestMerge(t *testing.T) {
	override, err := New(map[string][]string{"docx": {"odt"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g := Merge(Default(), override)

	if !g.IsLegal("docx", "odt") {
		t.Error("override entry missing after merge")
	}
	if g.IsLegal("docx", "pdf") {
		t.Error("override should replace the source's full target set")
	}
	if !g.IsLegal("pdf", "txt") {
		t.Error("untouched base entries should survive merge")
	}
}

func TestCanOCR(t *testing.T) {
	for _, src := range []string{"pdf", "jpg", "png", "tiff"} {
		if !CanOCR(src) {
			t.Errorf("CanOCR(%q) = false, want true", src)
		}
	}
	if CanOCR("docx") {
		t.Error("CanOCR(docx) = true, want false")
	}
}
