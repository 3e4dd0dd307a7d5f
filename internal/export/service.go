package export

import (
	"context"
	"fmt"
	"html/template"

	"huddle/internal/doctree"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetNote(ctx context.Context, noteID int64) (NoteInfo, error)
	ListSummaries(ctx context.Context, noteID int64) ([]SummaryInfo, error)
}

// Service provides note export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	note, err := s.store.GetNote(ctx, req.NoteID)
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	content := doctree.Preprocess(note.Content)
	if content.Tree == nil {
		return nil, fmt.Errorf("%w: note %d has no document tree", ErrContentUnavailable, note.ID)
	}

	data := TemplateData{
		Title:       note.Title,
		ContentHTML: template.HTML(doctree.RenderHTML(*content.Tree)),
		CreatedAt:   note.CreatedAt,
	}

	if req.IncludeSummary {
		summaries, err := s.store.ListSummaries(ctx, req.NoteID)
		if err != nil {
			return nil, fmt.Errorf("list summaries: %w", err)
		}
		if len(summaries) > 0 {
			data.Summary = summaries[0].Content
		}
	}

	html, err := RenderNoteHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(note.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, note.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
