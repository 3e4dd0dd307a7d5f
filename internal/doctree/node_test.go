package doctree

import (
	"encoding/json"
	"reflect"
	"testing"
)

func text(value string, marks ...Mark) Node {
	return Node{Type: NodeText, Text: value, Marks: marks}
}

func fullDocument() Node {
	return Node{
		Type: NodeDoc,
		Children: []Node{
			{Type: NodeHeading, Attrs: map[string]any{"level": float64(2)}, Children: []Node{text("Kickoff")}},
			{Type: NodeParagraph, Children: []Node{
				text("plain "),
				text("bold", MarkBold),
				text(" and "),
				text("code", MarkCode),
			}},
			{Type: NodeBulletList, Children: []Node{
				{Type: NodeListItem, Children: []Node{
					{Type: NodeParagraph, Children: []Node{text("first", MarkItalic)}},
				}},
			}},
			{Type: NodeOrderedList, Children: []Node{
				{Type: NodeListItem, Children: []Node{
					{Type: NodeParagraph, Children: []Node{text("second", MarkStrike)}},
				}},
			}},
			{Type: NodeBlockquote, Children: []Node{
				{Type: NodeParagraph, Children: []Node{text("quoted")}},
			}},
			{Type: NodeCodeBlock, Children: []Node{text("fmt.Println(1)")}},
			{Type: NodeHorizontalRule},
			{Type: NodeUnknown, TypeName: "callout", Attrs: map[string]any{"tone": "info"}, Children: []Node{
				{Type: NodeParagraph, Children: []Node{text("future type")}},
			}},
		},
	}
}

func TestRoundTripAllNodeTypes(t *testing.T) {
	original := fullDocument()

	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	content := Preprocess(string(encoded))
	if !content.IsTree() {
		t.Fatalf("expected tree, got text %q", content.Text)
	}
	if !reflect.DeepEqual(*content.Tree, original) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", *content.Tree, original)
	}
}

func TestRoundTripPreservesUnknownType(t *testing.T) {
	raw := `{"type":"doc","content":[{"type":"mermaidDiagram","attrs":{"source":"graph TD"},"content":[{"type":"text","text":"diagram"}]}]}`

	content := Preprocess(raw)
	if !content.IsTree() {
		t.Fatalf("expected tree, got text %q", content.Text)
	}
	child := content.Tree.Children[0]
	if child.Type != NodeUnknown || child.TypeName != "mermaidDiagram" {
		t.Fatalf("unknown type not preserved: %+v", child)
	}

	encoded, err := json.Marshal(content.Tree)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	reparsed := Preprocess(string(encoded))
	if !reparsed.IsTree() {
		t.Fatal("reparse lost the tree")
	}
	if !reflect.DeepEqual(reparsed.Tree, content.Tree) {
		t.Errorf("unknown node did not round trip verbatim")
	}
}

func TestRoundTripPreservesUnknownMark(t *testing.T) {
	raw := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"x","marks":[{"type":"underline"}]}]}]}`

	content := Preprocess(raw)
	if !content.IsTree() {
		t.Fatal("expected tree")
	}
	marks := content.Tree.Children[0].Children[0].Marks
	if len(marks) != 1 || marks[0] != Mark("underline") {
		t.Fatalf("unknown mark not preserved: %v", marks)
	}
}

func TestPlainText(t *testing.T) {
	doc := Node{
		Type: NodeDoc,
		Children: []Node{
			{Type: NodeParagraph, Children: []Node{text("hello "), text("world", MarkBold)}},
			{Type: NodeParagraph, Children: []Node{text("next line")}},
		},
	}
	got := doc.PlainText()
	want := "hello world\nnext line"
	if got != want {
		t.Errorf("PlainText = %q, want %q", got, want)
	}
}

func TestEmptyDocRoundTrip(t *testing.T) {
	encoded, err := json.Marshal(Node{Type: NodeDoc})
	if err != nil {
		t.Fatalf("marshal empty doc: %v", err)
	}

	content := Preprocess(json.RawMessage(encoded))
	if !content.IsTree() {
		t.Fatalf("empty doc did not survive as a tree, fell back to text %q", content.Text)
	}
	if len(content.Tree.Children) != 0 {
		t.Errorf("empty doc children = %v", content.Tree.Children)
	}
	if got := RenderHTML(*content.Tree); got != "" {
		t.Errorf("empty doc rendered %q", got)
	}
}

func TestPreprocess(t *testing.T) {
	tree := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]}]}`

	tests := []struct {
		name     string
		input    any
		wantTree bool
		wantText string
	}{
		{
			name:  "nil input",
			input: nil,
		},
		{
			name:     "json encoded tree",
			input:    tree,
			wantTree: true,
		},
		{
			name: "literal tree map",
			input: map[string]any{
				"type":    "doc",
				"content": []any{map[string]any{"type": "paragraph"}},
			},
			wantTree: true,
		},
		{
			name:     "nested data envelope",
			input:    `{"data":{"content":` + tree + `}}`,
			wantTree: true,
		},
		{
			name:     "nested envelope with string content",
			input:    map[string]any{"data": map[string]any{"content": tree}},
			wantTree: true,
		},
		{
			name:     "empty doc without content key",
			input:    `{"type":"doc"}`,
			wantTree: true,
		},
		{
			name:     "plain text fallback",
			input:    "just some notes",
			wantText: "just some notes",
		},
		{
			name:     "non-doc object falls back to text",
			input:    `{"type":"paragraph","content":[]}`,
			wantText: "{\n  \"content\": [],\n  \"type\": \"paragraph\"\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := Preprocess(tt.input)
			if content.IsTree() != tt.wantTree {
				t.Fatalf("IsTree = %v, want %v (text %q)", content.IsTree(), tt.wantTree, content.Text)
			}
			if !tt.wantTree && content.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", content.Text, tt.wantText)
			}
		})
	}
}
