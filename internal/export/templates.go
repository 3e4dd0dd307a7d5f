package export

import (
	"bytes"
	"html/template"
	"time"
)

var noteTemplate = template.Must(template.New("note").Parse(noteTemplateHTML))

// TemplateData holds data for note template rendering
type TemplateData struct {
	Title       string
	ContentHTML template.HTML
	Summary     string
	CreatedAt   time.Time
}

// RenderNoteHTML renders the note template with provided data
func RenderNoteHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := noteTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const noteTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .summary { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; }
    blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; color: #555; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.CreatedAt.Format "Jan 2, 2006"}}</div>
  {{if .Summary}}
  <h2>Summary</h2>
  <div class="summary">{{.Summary}}</div>
  {{end}}
  <div>{{.ContentHTML}}</div>
</body>
</html>`
