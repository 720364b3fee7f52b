package xml

import (
	"fmt"
	"strings"
	"testing"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

func sampleAnalysis(t *testing.T) *Document {
	t.Helper()
	f := FileInfo{Path: "a&b.db", PageSize: 1024, Pages: 40, FreePages: 3, AutoVacuum: btree.AutoVacuumIncremental}
	doc, err := AnalysisReport(f, []*btree.TreeStats{
		{Root: 1, IntKey: true, Depth: 1, LeafPages: 1, Entries: 2, PayloadBytes: 300, UnusedBytes: 600},
		{Root: 2, IntKey: true, Depth: 2, InteriorPages: 1, LeafPages: 30, OverflowPages: 4, Entries: 900},
		{Root: 5, IntKey: false, Depth: 1, LeafPages: 1, Entries: 12},
	})
	if err != nil {
		t.Fatalf("AnalysisReport() error = %v", err)
	}
	return doc
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("<root><element></root>"))
	var pe *errors.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("Parse() error = %v, want *ParseError", err)
	}
}

func TestAnalysisReport(t *testing.T) {
	doc := sampleAnalysis(t)
	root := doc.Root()
	if root.Name() != "analysis" {
		t.Fatalf("Root().Name() = %q, want analysis", root.Name())
	}
	if got := root.Attr("file"); got != "a&b.db" {
		t.Errorf("file attribute = %q, want a&b.db", got)
	}
	if got := root.Attr("auto-vacuum"); got != "incremental" {
		t.Errorf("auto-vacuum attribute = %q, want incremental", got)
	}
	if n := len(root.Children()); n != 3 {
		t.Errorf("%d tree elements, want 3", n)
	}
}

func TestXPath(t *testing.T) {
	doc := sampleAnalysis(t)

	nodes, err := doc.XPath("//tree[@kind='table']")
	if err != nil {
		t.Fatalf("XPath() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("XPath() returned %d tables, want 2", len(nodes))
	}

	first, err := doc.XPathFirst("//tree[@depth='2']/leaf-pages")
	if err != nil {
		t.Fatalf("XPathFirst() error = %v", err)
	}
	if first == nil || first.Text() != "30" {
		t.Errorf("XPathFirst() = %v, want leaf-pages 30", first)
	}

	none, err := doc.XPathFirst("//tree[@root='99']")
	if err != nil || none != nil {
		t.Errorf("XPathFirst() for a missing tree = %v, %v", none, err)
	}

	var ve *errors.ValidationError
	if _, err := doc.XPath("//tree["); !errors.As(err, &ve) {
		t.Errorf("XPath() with a bad expression error = %v, want *ValidationError", err)
	}
}

func TestEvaluate(t *testing.T) {
	doc := sampleAnalysis(t)
	tests := []struct {
		expr string
		want any
	}{
		{"sum(//tree/leaf-pages)", float64(32)},
		{"count(//tree)", float64(3)},
		{"string(//tree[@kind='index']/@root)", "5"},
		{"sum(//entries) > 900", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := doc.Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v (%T), want %v", got, got, tt.want)
			}
		})
	}

	got, err := doc.Evaluate("//tree/overflow-pages")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	nodes, ok := got.([]*Node)
	if !ok || len(nodes) != 3 || nodes[1].Text() != "4" {
		t.Errorf("Evaluate() node set = %v", got)
	}
}

func TestIntegrityReport(t *testing.T) {
	f := FileInfo{Path: "x.db", PageSize: 4096, Pages: 3}
	tests := []struct {
		name     string
		problems []string
		ok       string
	}{
		{"clean", nil, "true"},
		{"problems", []string{"Page 3 is never used", "Fragmentation of 0 bytes reported as 5 on page 2"}, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := IntegrityReport(f, tt.problems)
			if err != nil {
				t.Fatalf("IntegrityReport() error = %v", err)
			}
			if got := doc.Root().Attr("ok"); got != tt.ok {
				t.Errorf("ok = %q, want %q", got, tt.ok)
			}
			nodes, err := doc.XPath("//problem")
			if err != nil {
				t.Fatalf("XPath() error = %v", err)
			}
			if len(nodes) != len(tt.problems) {
				t.Fatalf("%d problem elements, want %d", len(nodes), len(tt.problems))
			}
			for i, n := range nodes {
				if n.Text() != tt.problems[i] {
					t.Errorf("problem %d = %q, want %q", i, n.Text(), tt.problems[i])
				}
			}
		})
	}
}

func TestBuilder_Escaping(t *testing.T) {
	b := NewBuilder("r", Attr{"q", `say "<hi>"`})
	b.Leaf("text", "a < b & c")
	b.Leaf("empty", "")
	doc, err := b.Document()
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if got := doc.Root().Attr("q"); got != `say "<hi>"` {
		t.Errorf("attribute = %q", got)
	}
	n, _ := doc.XPathFirst("/r/text")
	if n == nil || n.Text() != "a < b & c" {
		t.Errorf("text = %v", n)
	}
}

func TestFormat(t *testing.T) {
	doc := sampleAnalysis(t)
	out := string(doc.Format(FormatOptions{}))
	if !strings.Contains(out, "\n  <tree root=\"2\"") {
		t.Errorf("Format() does not indent trees:\n%s", out)
	}
	if !strings.Contains(out, "    <leaf-pages>30</leaf-pages>\n") {
		t.Errorf("Format() does not indent leaves:\n%s", out)
	}
	if _, err := Parse([]byte(out)); err != nil {
		t.Errorf("formatted output does not parse: %v", err)
	}
}

func ExampleDocument_Evaluate() {
	doc, _ := AnalysisReport(FileInfo{Path: "app.db", PageSize: 4096, Pages: 12}, []*btree.TreeStats{
		{Root: 1, IntKey: true, Depth: 1, LeafPages: 1},
		{Root: 2, IntKey: true, Depth: 2, InteriorPages: 1, LeafPages: 9},
	})
	v, _ := doc.Evaluate("sum(//tree/leaf-pages)")
	fmt.Println(v)
	// Output: 10
}
