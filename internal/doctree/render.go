package doctree

import (
	"fmt"
	"html"
	"strings"
)

// RenderHTML converts a document tree to HTML. Rendering is deterministic:
// marks wrap text in a fixed order (bold, code, italic, strike) no matter how
// the editor ordered them, and unknown node types render as a generic
// container preserving their children.
func RenderHTML(node Node) string {
	switch node.Type {
	case NodeDoc:
		return renderChildren(node)
	case NodeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderChildren(node))
	case NodeHeading:
		level := node.HeadingLevel()
		if level < 1 || level > 6 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderChildren(node), level)
	case NodeBulletList:
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderChildren(node))
	case NodeOrderedList:
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderChildren(node))
	case NodeListItem:
		return fmt.Sprintf("<li>%s</li>\n", renderChildren(node))
	case NodeBlockquote:
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderChildren(node))
	case NodeCodeBlock:
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(plainChildren(node)))
	case NodeHorizontalRule:
		return "<hr>\n"
	case NodeText:
		return renderText(node)
	default:
		return fmt.Sprintf("<div class=\"pm-%s\">%s</div>\n", html.EscapeString(node.TypeName), renderChildren(node))
	}
}

func renderChildren(node Node) string {
	var out strings.Builder
	for _, child := range node.Children {
		out.WriteString(RenderHTML(child))
	}
	return out.String()
}

func plainChildren(node Node) string {
	var out strings.Builder
	for _, child := range node.Children {
		out.WriteString(child.PlainText())
	}
	return out.String()
}

func renderText(node Node) string {
	if node.Text == "" {
		return ""
	}
	rendered := html.EscapeString(node.Text)

	has := func(mark Mark) bool {
		for _, m := range node.Marks {
			if m == mark {
				return true
			}
		}
		return false
	}

	// Fixed wrapping order keeps repeated rendering byte-identical.
	if has(MarkBold) {
		rendered = "<strong>" + rendered + "</strong>"
	}
	if has(MarkCode) {
		rendered = "<code>" + rendered + "</code>"
	}
	if has(MarkItalic) {
		rendered = "<em>" + rendered + "</em>"
	}
	if has(MarkStrike) {
		rendered = "<s>" + rendered + "</s>"
	}
	return rendered
}
