package doctree

import (
	"encoding/json"
	"fmt"
)

// Content is the result of preprocessing raw note content: either a parsed
// document tree, or opaque display text when no tree shape was found.
type Content struct {
	Tree *Node
	Text string
}

// IsTree reports whether preprocessing produced a document tree.
func (c Content) IsTree() bool {
	return c.Tree != nil
}

// Preprocess normalizes raw note content into one tree shape. It accepts a
// literal tree (map or Node), a JSON-encoded string of a tree, or the nested
// {data:{content: ...}} envelope some backends produce. If no valid tree is
// found at any unwrapping step the input is treated as opaque display text.
func Preprocess(raw any) Content {
	if raw == nil {
		return Content{}
	}

	value := raw
	if encoded, ok := value.(json.RawMessage); ok {
		var parsed any
		if err := json.Unmarshal(encoded, &parsed); err != nil {
			return Content{Text: string(encoded)}
		}
		value = parsed
	}
	if text, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return Content{Text: text}
		}
		value = parsed
	}

	if node, ok := value.(Node); ok {
		if node.Type == NodeDoc {
			return Content{Tree: &node}
		}
		return Content{Text: node.PlainText()}
	}
	if node, ok := value.(*Node); ok && node != nil {
		if node.Type == NodeDoc {
			return Content{Tree: node}
		}
		return Content{Text: node.PlainText()}
	}

	object, ok := value.(map[string]any)
	if !ok {
		return Content{Text: stringify(value)}
	}

	// Unwrap the {data:{content: ...}} envelope, which may itself hold a
	// JSON-encoded string.
	if data, ok := object["data"].(map[string]any); ok {
		if inner, ok := data["content"]; ok && inner != nil {
			if text, ok := inner.(string); ok {
				var parsed any
				if err := json.Unmarshal([]byte(text), &parsed); err != nil {
					return Content{Text: text}
				}
				inner = parsed
			}
			if innerObject, ok := inner.(map[string]any); ok {
				object = innerObject
			} else {
				return Content{Text: stringify(inner)}
			}
		}
	}

	if node, ok := parseTree(object); ok {
		return Content{Tree: &node}
	}
	return Content{Text: stringify(object)}
}

func parseTree(object map[string]any) (Node, bool) {
	typeName, _ := object["type"].(string)
	if typeName != "doc" {
		return Node{}, false
	}
	// An empty document serializes without a content key; it is still a tree.
	if raw, present := object["content"]; present {
		if _, ok := raw.([]any); !ok {
			return Node{}, false
		}
	}
	encoded, err := json.Marshal(object)
	if err != nil {
		return Node{}, false
	}
	var node Node
	if err := json.Unmarshal(encoded, &node); err != nil {
		return Node{}, false
	}
	return node, true
}

func stringify(value any) string {
	if text, ok := value.(string); ok {
		return text
	}
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
