package xml

import (
	"strconv"
	"strings"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Attr is one attribute written by Builder.
type Attr struct {
	Name  string
	Value string
}

// Builder writes a report element by element.
type Builder struct {
	buf  strings.Builder
	open []string
}

// NewBuilder starts a document whose document element is root.
func NewBuilder(root string, attrs ...Attr) *Builder {
	b := &Builder{}
	b.buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.Open(root, attrs...)
	return b
}

func (b *Builder) start(name string, attrs []Attr) {
	b.buf.WriteString("<" + name)
	for _, a := range attrs {
		b.buf.WriteString(" " + a.Name + `="` + escape(a.Value) + `"`)
	}
}

// Open starts an element that later elements nest in until Close.
func (b *Builder) Open(name string, attrs ...Attr) {
	b.start(name, attrs)
	b.buf.WriteString(">")
	b.open = append(b.open, name)
}

// Close ends the innermost open element.
func (b *Builder) Close() {
	if len(b.open) == 0 {
		return
	}
	name := b.open[len(b.open)-1]
	b.open = b.open[:len(b.open)-1]
	b.buf.WriteString("</" + name + ">")
}

// Leaf writes an element holding only text.
func (b *Builder) Leaf(name, text string, attrs ...Attr) {
	b.start(name, attrs)
	if text == "" {
		b.buf.WriteString("/>")
		return
	}
	b.buf.WriteString(">" + escape(text) + "</" + name + ">")
}

// Document closes every open element and parses the result.
func (b *Builder) Document() (*Document, error) {
	for len(b.open) > 0 {
		b.Close()
	}
	return Parse([]byte(b.buf.String()))
}

func itoa[T ~int | ~int64 | ~uint32](v T) string {
	return strconv.FormatInt(int64(v), 10)
}

// FileInfo describes the database file a report is about.
type FileInfo struct {
	Path       string
	PageSize   int
	Pages      btree.Pgno
	FreePages  uint32
	AutoVacuum int
}

// AutoVacuumName returns the name of an auto-vacuum mode.
func AutoVacuumName(mode int) string {
	switch mode {
	case btree.AutoVacuumFull:
		return "full"
	case btree.AutoVacuumIncremental:
		return "incremental"
	}
	return "none"
}

func fileAttrs(f FileInfo) []Attr {
	return []Attr{
		{"file", f.Path},
		{"page-size", itoa(f.PageSize)},
		{"pages", itoa(f.Pages)},
		{"free-pages", itoa(f.FreePages)},
		{"auto-vacuum", AutoVacuumName(f.AutoVacuum)},
	}
}

// AnalysisReport renders per-tree statistics.
func AnalysisReport(f FileInfo, trees []*btree.TreeStats) (*Document, error) {
	b := NewBuilder("analysis", fileAttrs(f)...)
	for _, st := range trees {
		if st == nil {
			return nil, errors.NewValidation("trees", "nil tree statistics")
		}
		kind := "index"
		if st.IntKey {
			kind = "table"
		}
		b.Open("tree", Attr{"root", itoa(st.Root)}, Attr{"kind", kind}, Attr{"depth", itoa(st.Depth)})
		b.Leaf("interior-pages", itoa(st.InteriorPages))
		b.Leaf("leaf-pages", itoa(st.LeafPages))
		b.Leaf("overflow-pages", itoa(st.OverflowPages))
		b.Leaf("entries", itoa(st.Entries))
		b.Leaf("payload-bytes", itoa(st.PayloadBytes))
		b.Leaf("unused-bytes", itoa(st.UnusedBytes))
		b.Close()
	}
	return b.Document()
}

// IntegrityReport renders the problems found by an integrity check.
func IntegrityReport(f FileInfo, problems []string) (*Document, error) {
	attrs := append(fileAttrs(f),
		Attr{"ok", strconv.FormatBool(len(problems) == 0)},
		Attr{"problems", itoa(len(problems))})
	b := NewBuilder("integrity", attrs...)
	for _, p := range problems {
		b.Leaf("problem", p)
	}
	return b.Document()
}
