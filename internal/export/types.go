// Package export renders meeting notes to HTML and PDF.
package export

import (
	"encoding/json"
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request contains parameters for an export operation
type Request struct {
	NoteID         int64
	Format         Format
	IncludeSummary bool
}

// NoteInfo holds the note as the exporter needs it
type NoteInfo struct {
	ID        int64
	MeetingID int64
	Title     string
	Content   json.RawMessage
	CreatedAt time.Time
}

// SummaryInfo holds one summary attached to a note
type SummaryInfo struct {
	Content   string
	UpdatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates note content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
