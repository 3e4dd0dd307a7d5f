package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Meeting status values.
const (
	StatusOngoing = "ONGOING"
	StatusEnded   = "ENDED"
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingEnded    = errors.New("meeting already ended")
	ErrNotHost         = errors.New("only the host may end the meeting")
	ErrNoteNotFound    = errors.New("note not found")
	ErrSummaryNotFound = errors.New("summary not found")
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Meeting struct {
	ID        int64
	GroupID   int64 // 0 for personal meetings
	HostID    string
	Title     string
	Status    string
	NoteID    *int64
	StartedAt time.Time
	EndedAt   *time.Time
}

type Participant struct {
	MeetingID   int64
	UserID      string
	DisplayName string
	JoinedAt    time.Time
	LeftAt      *time.Time
}

// Note is the immutable record of a meeting's shared document, written once
// when the session ends. Content is the ProseMirror JSON snapshot.
type Note struct {
	ID        int64
	MeetingID int64
	Title     string
	Content   json.RawMessage
	CreatedAt time.Time
}

// Summary rows are served on the wire as-is, hence the tags.
type Summary struct {
	ID        int64     `json:"id"`
	NoteID    int64     `json:"noteId"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
