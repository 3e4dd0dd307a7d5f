// Package search provides full-text search over ended meetings and their
// summaries, backed by Meilisearch with a PostgreSQL FTS fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMeeting ResultType = "meeting"
	ResultSummary ResultType = "summary"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	MeetingID int64      `json:"meetingId"`
	NoteID    int64      `json:"noteId,omitempty"`
}

// Query describes a search request. Only ended meetings are searchable;
// live documents never reach the index.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	GroupID    int64      // 0 = all groups
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MeetingRecord is the data we index for an ended meeting.
type MeetingRecord struct {
	ID        string `json:"id"`
	MeetingID int64  `json:"meetingId"`
	GroupID   int64  `json:"groupId"`
	NoteID    int64  `json:"noteId"`
	Title     string `json:"title"`
	Preview   string `json:"preview"`
}

// SummaryRecord is the data we index for a summary.
type SummaryRecord struct {
	ID        string `json:"id"`
	MeetingID int64  `json:"meetingId"`
	NoteID    int64  `json:"noteId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}
