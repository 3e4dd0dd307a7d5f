package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	note      NoteInfo
	noteErr   error
	summaries []SummaryInfo
}

func (f *fakeStore) GetNote(ctx context.Context, noteID int64) (NoteInfo, error) {
	if f.noteErr != nil {
		return NoteInfo{}, f.noteErr
	}
	return f.note, nil
}

func (f *fakeStore) ListSummaries(ctx context.Context, noteID int64) ([]SummaryInfo, error) {
	return f.summaries, nil
}

func noteContent(t *testing.T) json.RawMessage {
	t.Helper()
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "heading",
				"attrs": map[string]any{"level": 2},
				"content": []any{
					map[string]any{"type": "text", "text": "Decisions"},
				},
			},
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "Ship it <now>"},
				},
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal test doc: %v", err)
	}
	return raw
}

func TestExportHTML(t *testing.T) {
	store := &fakeStore{
		note: NoteInfo{
			ID:        99,
			MeetingID: 7,
			Title:     "Weekly Planning",
			Content:   noteContent(t),
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	svc := NewService(store)

	result, err := svc.Export(context.Background(), Request{NoteID: 99, Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	html := string(result.Data)
	if !strings.Contains(html, "<h1>Weekly Planning</h1>") {
		t.Error("exported HTML missing title")
	}
	if !strings.Contains(html, "<h2>Decisions</h2>") {
		t.Error("exported HTML missing rendered heading")
	}
	if !strings.Contains(html, "Ship it &lt;now&gt;") {
		t.Error("note text should be HTML-escaped")
	}
	if result.Filename != "Weekly-Planning.html" {
		t.Errorf("filename = %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Errorf("mime type = %q", result.MimeType)
	}
}

func TestExportHTMLWithSummary(t *testing.T) {
	store := &fakeStore{
		note: NoteInfo{
			ID:      99,
			Title:   "Weekly Planning",
			Content: noteContent(t),
		},
		summaries: []SummaryInfo{{Content: "We decided to ship."}},
	}
	svc := NewService(store)

	result, err := svc.Export(context.Background(), Request{NoteID: 99, Format: FormatHTML, IncludeSummary: true})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !strings.Contains(string(result.Data), "We decided to ship.") {
		t.Error("exported HTML missing summary")
	}
}

func TestExportEmptyNote(t *testing.T) {
	// A meeting ended without edits stores the empty snapshot, which
	// serializes with no content key. It must still export.
	store := &fakeStore{
		note: NoteInfo{ID: 99, Title: "Quiet Meeting", Content: json.RawMessage(`{"type":"doc"}`)},
	}
	svc := NewService(store)

	result, err := svc.Export(context.Background(), Request{NoteID: 99, Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export of empty note failed: %v", err)
	}
	if !strings.Contains(string(result.Data), "<h1>Quiet Meeting</h1>") {
		t.Error("exported HTML missing title")
	}
}

func TestExportRejectsContentWithoutTree(t *testing.T) {
	store := &fakeStore{
		note: NoteInfo{ID: 99, Title: "Broken", Content: json.RawMessage(`"just a string"`)},
	}
	svc := NewService(store)

	if _, err := svc.Export(context.Background(), Request{NoteID: 99, Format: FormatHTML}); err == nil {
		t.Fatal("expected export of non-tree content to fail")
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	store := &fakeStore{
		note: NoteInfo{ID: 99, Title: "x", Content: noteContent(t)},
	}
	svc := NewService(store)

	if _, err := svc.Export(context.Background(), Request{NoteID: 99, Format: "docx"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"Weekly Planning", "Weekly-Planning"},
		{"notes: 2026/03", "notes-202603"},
		{"", "note"},
		{"///", "note"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.expected {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b+c")
	if strings.Contains(got, "+") {
		t.Errorf("spaces must encode as %%20, not +: %q", got)
	}
	if got != "a%20b%2Bc" {
		t.Errorf("percentEncodeForDataURL = %q", got)
	}

	// Multibyte characters encode as their UTF-8 byte sequence, not as
	// the hex of the codepoint.
	if got := percentEncodeForDataURL("€"); got != "%E2%82%AC" {
		t.Errorf("percentEncodeForDataURL(\"€\") = %q, want %%E2%%82%%AC", got)
	}
}
