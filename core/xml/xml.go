// Package xml builds the engine's XML reports and queries them with XPath.
//
// Reports are produced by Builder, parsed back with xmlquery and exposed as
// a Document. Queries go through antchfx/xpath, so both node-set
// expressions ("//tree[@kind='index']") and scalar expressions
// ("sum(//tree/leaf-pages)") are supported.
//
// Security Notes:
//   - Parse uses xmlquery, which reads through Go's encoding/xml and never
//     fetches external entities.
package xml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Document is a parsed XML document.
type Document struct {
	root *xmlquery.Node
}

// Node is one element of a Document.
type Node struct {
	node *xmlquery.Node
}

// FormatOptions controls Format.
type FormatOptions struct {
	Indent string // Indentation string (e.g., "  " or "\t")
}

// Parse parses XML data and returns a Document.
func Parse(data []byte) (*Document, error) {
	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewParse("xml", "", err.Error())
	}
	return &Document{root: root}, nil
}

// Root returns the document element.
func (d *Document) Root() *Node {
	if d.root == nil {
		return nil
	}
	for child := d.root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return &Node{node: child}
		}
	}
	return nil
}

func compile(expr string) (*xpath.Expr, error) {
	e, err := xpath.Compile(expr)
	if err != nil {
		return nil, errors.NewValidation("xpath", err.Error())
	}
	return e, nil
}

// XPath returns the nodes selected by expr.
func (d *Document) XPath(expr string) ([]*Node, error) {
	e, err := compile(expr)
	if err != nil {
		return nil, err
	}
	nodes := xmlquery.QuerySelectorAll(d.root, e)
	result := make([]*Node, len(nodes))
	for i, n := range nodes {
		result[i] = &Node{node: n}
	}
	return result, nil
}

// XPathFirst returns the first node selected by expr, or nil.
func (d *Document) XPathFirst(expr string) (*Node, error) {
	e, err := compile(expr)
	if err != nil {
		return nil, err
	}
	n := xmlquery.QuerySelector(d.root, e)
	if n == nil {
		return nil, nil
	}
	return &Node{node: n}, nil
}

// Evaluate evaluates expr against the document. Node-set results come
// back as []*Node; numbers as float64, strings as string and booleans as
// bool.
func (d *Document) Evaluate(expr string) (any, error) {
	e, err := compile(expr)
	if err != nil {
		return nil, err
	}
	switch v := e.Evaluate(xmlquery.CreateXPathNavigator(d.root)).(type) {
	case *xpath.NodeIterator:
		var nodes []*Node
		for v.MoveNext() {
			if nav, ok := v.Current().(*xmlquery.NodeNavigator); ok {
				nodes = append(nodes, &Node{node: nav.Current()})
			}
		}
		return nodes, nil
	default:
		return v, nil
	}
}

// Serialize converts the document back to XML bytes.
func (d *Document) Serialize() []byte {
	if d.root == nil {
		return nil
	}
	return []byte(d.root.OutputXML(true))
}

// Format pretty-prints the document.
func (d *Document) Format(opts FormatOptions) []byte {
	if opts.Indent == "" {
		opts.Indent = "  "
	}
	var buf bytes.Buffer
	formatNode(&buf, d.root, 0, opts.Indent)
	return buf.Bytes()
}

func formatNode(w *bytes.Buffer, n *xmlquery.Node, depth int, indent string) {
	switch n.Type {
	case xmlquery.DocumentNode:
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			formatNode(w, child, depth, indent)
		}

	case xmlquery.DeclarationNode:
		w.WriteString("<?xml")
		for _, attr := range n.Attr {
			fmt.Fprintf(w, " %s=\"%s\"", attr.Name.Local, escape(attr.Value))
		}
		w.WriteString("?>\n")

	case xmlquery.ElementNode:
		w.WriteString(strings.Repeat(indent, depth))
		w.WriteString("<" + n.Data)
		for _, attr := range n.Attr {
			fmt.Fprintf(w, " %s=\"%s\"", attr.Name.Local, escape(attr.Value))
		}
		if n.FirstChild == nil {
			w.WriteString("/>\n")
			return
		}
		nested := false
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == xmlquery.ElementNode {
				nested = true
				break
			}
		}
		w.WriteString(">")
		if !nested {
			w.WriteString(escape(n.InnerText()))
			w.WriteString("</" + n.Data + ">\n")
			return
		}
		w.WriteString("\n")
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == xmlquery.ElementNode || child.Type == xmlquery.CommentNode {
				formatNode(w, child, depth+1, indent)
			}
		}
		w.WriteString(strings.Repeat(indent, depth))
		w.WriteString("</" + n.Data + ">\n")

	case xmlquery.CommentNode:
		w.WriteString(strings.Repeat(indent, depth))
		w.WriteString("<!--" + n.Data + "-->\n")
	}
}

func escape(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Name returns the element name.
func (n *Node) Name() string {
	if n.node == nil {
		return ""
	}
	return n.node.Data
}

// Text returns the text content of the node and its descendants.
func (n *Node) Text() string {
	if n.node == nil {
		return ""
	}
	return n.node.InnerText()
}

// OuterXML returns the node and its content as XML.
func (n *Node) OuterXML() string {
	if n.node == nil {
		return ""
	}
	return n.node.OutputXML(true)
}

// Children returns the child elements.
func (n *Node) Children() []*Node {
	if n.node == nil {
		return nil
	}
	var children []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			children = append(children, &Node{node: child})
		}
	}
	return children
}

// Attr returns the value of attribute name, or "".
func (n *Node) Attr(name string) string {
	if n.node == nil {
		return ""
	}
	return n.node.SelectAttr(name)
}
