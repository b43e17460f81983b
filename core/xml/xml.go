// Package xml provides the document tree the CFI interpreter walks: parsing,
// node-kind and attribute inspection, XPath lookup, and the small set of
// mutations needed to splice a marker into text content.
//
// Security Notes:
//   - XXE (External Entity) attacks are mitigated by Go's xml.Decoder, which
//     doesn't fetch external entities. xmlquery parses through encoding/xml
//     and inherits its security properties.
package xml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Kind classifies a node for CFI child enumeration.
type Kind int

const (
	// KindOther covers declarations, processing instructions and directives.
	KindOther Kind = iota
	// KindElement is an element node.
	KindElement
	// KindText is a text or CDATA node.
	KindText
	// KindComment is a comment node.
	KindComment
)

// Document represents a parsed XML document.
type Document struct {
	root *xmlquery.Node
}

// Node represents an XML node (element, text, comment, ...).
type Node struct {
	node *xmlquery.Node
}

// Attr is a plain (namespace-less) attribute used when creating elements.
type Attr struct {
	Name  string
	Value string
}

// Parse parses XML data and returns a Document.
func Parse(data []byte) (*Document, error) {
	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing XML: %w", err)
	}
	return &Document{root: root}, nil
}

// ParseXHTML parses an XHTML content document. Named HTML entities such as
// &nbsp; are accepted in addition to the XML built-ins.
func ParseXHTML(data []byte) (*Document, error) {
	root, err := xmlquery.ParseWithOptions(bytes.NewReader(data), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict: true,
			Entity: xml.HTMLEntity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parsing XHTML: %w", err)
	}
	return &Document{root: root}, nil
}

// Root returns the root element of the document.
func (d *Document) Root() *Node {
	if d == nil || d.root == nil {
		return nil
	}
	for child := d.root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return &Node{node: child}
		}
	}
	return nil
}

// XPath executes an XPath query and returns matching nodes.
func (d *Document) XPath(expr string) ([]*Node, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath: %w", err)
	}

	nodes := xmlquery.QuerySelectorAll(d.root, compiled)
	result := make([]*Node, len(nodes))
	for i, n := range nodes {
		result[i] = &Node{node: n}
	}
	return result, nil
}

// XPathFirst executes an XPath query and returns the first matching node,
// or nil when nothing matches.
func (d *Document) XPathFirst(expr string) (*Node, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath: %w", err)
	}
	return wrap(xmlquery.QuerySelector(d.root, compiled)), nil
}

// Serialize converts the document back to XML bytes.
func (d *Document) Serialize() []byte {
	if d.root == nil {
		return nil
	}
	return []byte(d.root.OutputXML(true))
}

// Clone returns a deep copy of the document. Mutating the copy never
// affects the receiver.
func (d *Document) Clone() *Document {
	if d == nil || d.root == nil {
		return &Document{}
	}
	return &Document{root: cloneNode(d.root, nil)}
}

func cloneNode(n, parent *xmlquery.Node) *xmlquery.Node {
	c := &xmlquery.Node{
		Parent:       parent,
		Type:         n.Type,
		Data:         n.Data,
		Prefix:       n.Prefix,
		NamespaceURI: n.NamespaceURI,
	}
	if len(n.Attr) > 0 {
		c.Attr = append([]xmlquery.Attr(nil), n.Attr...)
	}

	var prev *xmlquery.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		cc := cloneNode(child, c)
		if prev == nil {
			c.FirstChild = cc
		} else {
			prev.NextSibling = cc
			cc.PrevSibling = prev
		}
		prev = cc
	}
	c.LastChild = prev
	return c
}

// PathTo returns the child-position path from the document node to n.
// The second result is false when n does not belong to d.
func (d *Document) PathTo(n *Node) ([]int, bool) {
	if d == nil || n == nil || n.node == nil {
		return nil, false
	}

	var path []int
	cur := n.node
	for cur.Parent != nil {
		idx := 0
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			idx++
		}
		path = append(path, idx)
		cur = cur.Parent
	}
	if cur != d.root {
		return nil, false
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

// NodeAt follows a path produced by PathTo. It returns nil when the path
// does not exist in d.
func (d *Document) NodeAt(path []int) *Node {
	if d == nil || d.root == nil {
		return nil
	}
	cur := d.root
	for _, idx := range path {
		child := cur.FirstChild
		for i := 0; i < idx && child != nil; i++ {
			child = child.NextSibling
		}
		if child == nil {
			return nil
		}
		cur = child
	}
	return &Node{node: cur}
}

// Contains reports whether n is part of d's tree.
func (d *Document) Contains(n *Node) bool {
	_, ok := d.PathTo(n)
	return ok
}

// NewElement creates a detached element.
func NewElement(name string, attrs ...Attr) *Node {
	n := &xmlquery.Node{Type: xmlquery.ElementNode, Data: name}
	for _, a := range attrs {
		n.Attr = append(n.Attr, xmlquery.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	return &Node{node: n}
}

// NewText creates a detached text node.
func NewText(data string) *Node {
	return &Node{node: &xmlquery.Node{Type: xmlquery.TextNode, Data: data}}
}

func wrap(n *xmlquery.Node) *Node {
	if n == nil {
		return nil
	}
	return &Node{node: n}
}

// Kind returns the node kind.
func (n *Node) Kind() Kind {
	if n == nil || n.node == nil {
		return KindOther
	}
	switch n.node.Type {
	case xmlquery.ElementNode:
		return KindElement
	case xmlquery.TextNode, xmlquery.CharDataNode:
		return KindText
	case xmlquery.CommentNode:
		return KindComment
	default:
		return KindOther
	}
}

// Same reports whether n and o wrap the same underlying node.
func (n *Node) Same(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.node == o.node
}

// Name returns the element's local name.
func (n *Node) Name() string {
	if n.node == nil {
		return ""
	}
	return n.node.Data
}

// Attr returns the value of an unprefixed attribute and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	if n.node == nil {
		return "", false
	}
	for _, a := range n.node.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ID returns the id attribute, or "" when absent.
func (n *Node) ID() string {
	id, _ := n.Attr("id")
	return id
}

// Parent returns the parent node, or nil at the top of the tree.
func (n *Node) Parent() *Node {
	if n.node == nil {
		return nil
	}
	return wrap(n.node.Parent)
}

// ChildNodes returns every child node in document order.
func (n *Node) ChildNodes() []*Node {
	if n.node == nil {
		return nil
	}
	var children []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		children = append(children, &Node{node: child})
	}
	return children
}

// Children returns the child element nodes.
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

// Text returns the character data of a text node.
func (n *Node) Text() string {
	if n.node == nil {
		return ""
	}
	return n.node.Data
}

// TextLen returns the length of a text node in UTF-16 code units, the unit
// CFI character offsets are expressed in.
func (n *Node) TextLen() int {
	return UTF16Len(n.Text())
}

// TextNodes returns the descendant text nodes of n, depth first, in
// document order.
func (n *Node) TextNodes() []*Node {
	var out []*Node
	var walk func(*xmlquery.Node)
	walk = func(cur *xmlquery.Node) {
		for child := cur.FirstChild; child != nil; child = child.NextSibling {
			switch child.Type {
			case xmlquery.TextNode, xmlquery.CharDataNode:
				out = append(out, &Node{node: child})
			case xmlquery.ElementNode:
				walk(child)
			}
		}
	}
	if n.node != nil {
		walk(n.node)
	}
	return out
}

// InnerText returns all text content of the node and its descendants.
func (n *Node) InnerText() string {
	if n.node == nil {
		return ""
	}
	return n.node.InnerText()
}

// InnerXML returns the inner XML of the node.
func (n *Node) InnerXML() string {
	if n.node == nil {
		return ""
	}
	var buf strings.Builder
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		buf.WriteString(child.OutputXML(true))
	}
	return buf.String()
}

// OutputXML returns the node and its subtree as XML.
func (n *Node) OutputXML() string {
	if n.node == nil {
		return ""
	}
	return n.node.OutputXML(true)
}

// SplitText splits a text node at the given UTF-16 offset. The receiver
// keeps the leading part and a new sibling holding the rest is inserted
// right after it and returned. Splitting inside a surrogate pair fails.
func (n *Node) SplitText(at int) (*Node, error) {
	if n.Kind() != KindText {
		return nil, fmt.Errorf("split: not a text node")
	}
	if n.node.Parent == nil {
		return nil, fmt.Errorf("split: detached text node")
	}
	head, tail, ok := SplitUTF16(n.node.Data, at)
	if !ok {
		return nil, fmt.Errorf("split: offset %d is not a character boundary in %d units", at, n.TextLen())
	}

	n.node.Data = head
	rest := &Node{node: &xmlquery.Node{Type: n.node.Type, Data: tail}}
	n.Parent().InsertBefore(rest, n.NextSibling())
	return rest, nil
}

// NextSibling returns the following sibling node, or nil.
func (n *Node) NextSibling() *Node {
	if n.node == nil {
		return nil
	}
	return wrap(n.node.NextSibling)
}

// InsertBefore links child under n immediately before ref. A nil ref
// appends child as the last child.
func (n *Node) InsertBefore(child, ref *Node) {
	c := child.node
	c.Parent = n.node
	if ref == nil {
		c.PrevSibling = n.node.LastChild
		c.NextSibling = nil
		if n.node.LastChild != nil {
			n.node.LastChild.NextSibling = c
		} else {
			n.node.FirstChild = c
		}
		n.node.LastChild = c
		return
	}

	r := ref.node
	c.PrevSibling = r.PrevSibling
	c.NextSibling = r
	if r.PrevSibling != nil {
		r.PrevSibling.NextSibling = c
	} else {
		n.node.FirstChild = c
	}
	r.PrevSibling = c
}

// UTF16Len returns the number of UTF-16 code units needed to encode s.
func UTF16Len(s string) int {
	units := 0
	for _, r := range s {
		units += utf16.RuneLen(r)
	}
	return units
}

// SplitUTF16 splits s after the given number of UTF-16 code units. The
// last result is false when at is negative, past the end, or inside a
// surrogate pair.
func SplitUTF16(s string, at int) (string, string, bool) {
	if at < 0 {
		return "", "", false
	}
	units := 0
	for i, r := range s {
		if units == at {
			return s[:i], s[i:], true
		}
		if units > at {
			return "", "", false
		}
		units += utf16.RuneLen(r)
	}
	if units == at {
		return s, "", true
	}
	return "", "", false
}
