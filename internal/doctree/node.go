// Package doctree models collaborative note documents as a typed tree
// compatible with the ProseMirror JSON wire format.
package doctree

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the known node variants. Anything else is carried
// through NodeUnknown so schema evolution never breaks parsing.
type NodeType string

const (
	NodeDoc            NodeType = "doc"
	NodeParagraph      NodeType = "paragraph"
	NodeHeading        NodeType = "heading"
	NodeBulletList     NodeType = "bulletList"
	NodeOrderedList    NodeType = "orderedList"
	NodeListItem       NodeType = "listItem"
	NodeBlockquote     NodeType = "blockquote"
	NodeCodeBlock      NodeType = "codeBlock"
	NodeHorizontalRule NodeType = "horizontalRule"
	NodeText           NodeType = "text"
	NodeUnknown        NodeType = "unknown"
)

// Mark is a text formatting mark. Unrecognized marks are preserved verbatim.
type Mark string

const (
	MarkBold   Mark = "bold"
	MarkItalic Mark = "italic"
	MarkStrike Mark = "strike"
	MarkCode   Mark = "code"
)

// Node is one node of a document tree. The tree is rooted at a single
// NodeDoc node; text nodes are leaves.
type Node struct {
	Type NodeType
	// TypeName holds the original wire type for NodeUnknown nodes so they
	// round-trip instead of being dropped.
	TypeName string
	Attrs    map[string]any
	Children []Node
	Text     string
	Marks    []Mark
}

var knownTypes = map[string]NodeType{
	"doc":            NodeDoc,
	"paragraph":      NodeParagraph,
	"heading":        NodeHeading,
	"bulletList":     NodeBulletList,
	"orderedList":    NodeOrderedList,
	"listItem":       NodeListItem,
	"blockquote":     NodeBlockquote,
	"codeBlock":      NodeCodeBlock,
	"horizontalRule": NodeHorizontalRule,
	"text":           NodeText,
}

// WireType returns the type string used on the wire.
func (n Node) WireType() string {
	if n.Type == NodeUnknown {
		return n.TypeName
	}
	return string(n.Type)
}

// HeadingLevel reads the heading level attribute, defaulting to 1.
func (n Node) HeadingLevel() int {
	if n.Attrs == nil {
		return 1
	}
	switch v := n.Attrs["level"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

type wireMark struct {
	Type string `json:"type"`
}

type wireNode struct {
	Type    string          `json:"type"`
	Attrs   map[string]any  `json:"attrs,omitempty"`
	Content []wireNode      `json:"content,omitempty"`
	Text    string          `json:"text,omitempty"`
	Marks   []wireMark      `json:"marks,omitempty"`
}

func (n Node) toWire() wireNode {
	wire := wireNode{
		Type:  n.WireType(),
		Attrs: n.Attrs,
		Text:  n.Text,
	}
	for _, child := range n.Children {
		wire.Content = append(wire.Content, child.toWire())
	}
	for _, mark := range n.Marks {
		wire.Marks = append(wire.Marks, wireMark{Type: string(mark)})
	}
	return wire
}

func fromWire(wire wireNode) Node {
	node := Node{
		Attrs: wire.Attrs,
		Text:  wire.Text,
	}
	if known, ok := knownTypes[wire.Type]; ok {
		node.Type = known
	} else {
		node.Type = NodeUnknown
		node.TypeName = wire.Type
	}
	for _, child := range wire.Content {
		node.Children = append(node.Children, fromWire(child))
	}
	for _, mark := range wire.Marks {
		node.Marks = append(node.Marks, Mark(mark.Type))
	}
	return node
}

// MarshalJSON emits the ProseMirror wire format.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.toWire())
}

// UnmarshalJSON parses the ProseMirror wire format.
func (n *Node) UnmarshalJSON(data []byte) error {
	var wire wireNode
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type == "" {
		return fmt.Errorf("doctree: node missing type")
	}
	*n = fromWire(wire)
	return nil
}

// PlainText collects the concatenated text content of the tree, with block
// nodes separated by newlines. Used for search indexing and mail bodies.
func (n Node) PlainText() string {
	switch n.Type {
	case NodeText:
		return n.Text
	case NodeHorizontalRule:
		return ""
	}
	out := ""
	for _, child := range n.Children {
		text := child.PlainText()
		if text == "" {
			continue
		}
		if out != "" && child.Type != NodeText {
			out += "\n"
		}
		out += text
	}
	return out
}
