package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"huddle/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.huddle.dev'))
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email FROM users WHERE id=$1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, meetingID int64) (Meeting, error) {
	const query = `
		SELECT id, COALESCE(group_id, 0), host_id, title, status, note_id, started_at, ended_at
		FROM meetings
		WHERE id=$1
	`
	var m Meeting
	err := s.db.QueryRowContext(ctx, query, meetingID).Scan(
		&m.ID, &m.GroupID, &m.HostID, &m.Title, &m.Status, &m.NoteID, &m.StartedAt, &m.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrMeetingNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

// MeetingStatus is the cheap read behind the participant status poll.
func (s *PostgresStore) MeetingStatus(ctx context.Context, meetingID int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM meetings WHERE id=$1`, meetingID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMeetingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("meeting status: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) JoinMeeting(ctx context.Context, meetingID int64, userID string) error {
	status, err := s.MeetingStatus(ctx, meetingID)
	if err != nil {
		return err
	}
	if status == StatusEnded {
		return ErrMeetingEnded
	}

	const upsert = `
		INSERT INTO participants (meeting_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (meeting_id, user_id) DO UPDATE SET left_at=NULL
	`
	if _, err := s.db.ExecContext(ctx, upsert, meetingID, userID); err != nil {
		return fmt.Errorf("join meeting: %w", err)
	}
	return nil
}

func (s *PostgresStore) LeaveMeeting(ctx context.Context, meetingID int64, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET left_at=NOW() WHERE meeting_id=$1 AND user_id=$2 AND left_at IS NULL`,
		meetingID, userID)
	if err != nil {
		return fmt.Errorf("leave meeting: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, meetingID int64) ([]Participant, error) {
	const query = `
		SELECT p.meeting_id, p.user_id, u.display_name, p.joined_at, p.left_at
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.meeting_id=$1
		ORDER BY p.joined_at
	`
	rows, err := s.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.MeetingID, &p.UserID, &p.DisplayName, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// EndMeeting performs the authoritative end of a session. Host and ONGOING
// status are enforced by the conditional update, so the check and the state
// change are a single atomic statement; the note is created from the flushed
// snapshot in the same transaction. Returns the note id.
func (s *PostgresStore) EndMeeting(ctx context.Context, meetingID int64, hostID, noteTitle string, content json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin end tx: %w", err)
	}
	defer tx.Rollback()

	const endMeeting = `
		UPDATE meetings SET status='ENDED', ended_at=NOW()
		WHERE id=$1 AND host_id=$2 AND status='ONGOING'
		RETURNING id
	`
	var id int64
	err = tx.QueryRowContext(ctx, endMeeting, meetingID, hostID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.diagnoseEndFailure(ctx, meetingID)
	}
	if err != nil {
		return 0, fmt.Errorf("end meeting: %w", err)
	}

	if content == nil {
		content = json.RawMessage(`{"type":"doc","content":[]}`)
	}
	const insertNote = `
		INSERT INTO notes (meeting_id, title, content)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	var noteID int64
	if err := tx.QueryRowContext(ctx, insertNote, meetingID, noteTitle, []byte(content)).Scan(&noteID); err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE meetings SET note_id=$2 WHERE id=$1`, meetingID, noteID); err != nil {
		return 0, fmt.Errorf("link note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit end tx: %w", err)
	}
	return noteID, nil
}

// diagnoseEndFailure distinguishes the reasons the conditional update matched
// nothing. Reads outside the update race benignly: the order of checks biases
// toward the most useful error.
func (s *PostgresStore) diagnoseEndFailure(ctx context.Context, meetingID int64) error {
	m, err := s.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status == StatusEnded {
		return ErrMeetingEnded
	}
	return ErrNotHost
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID int64) (Note, error) {
	const query = `SELECT id, meeting_id, title, content, created_at FROM notes WHERE id=$1`
	var n Note
	var content []byte
	err := s.db.QueryRowContext(ctx, query, noteID).Scan(&n.ID, &n.MeetingID, &n.Title, &content, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("get note: %w", err)
	}
	n.Content = json.RawMessage(content)
	return n, nil
}

func (s *PostgresStore) GetNoteByMeeting(ctx context.Context, meetingID int64) (Note, error) {
	const query = `SELECT id, meeting_id, title, content, created_at FROM notes WHERE meeting_id=$1`
	var n Note
	var content []byte
	err := s.db.QueryRowContext(ctx, query, meetingID).Scan(&n.ID, &n.MeetingID, &n.Title, &content, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("get note by meeting: %w", err)
	}
	n.Content = json.RawMessage(content)
	return n, nil
}

func (s *PostgresStore) CreateSummary(ctx context.Context, noteID int64, content, createdBy string) (Summary, error) {
	const insert = `
		INSERT INTO summaries (note_id, content, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	sum := Summary{NoteID: noteID, Content: content, CreatedBy: createdBy}
	if err := s.db.QueryRowContext(ctx, insert, noteID, content, createdBy).Scan(&sum.ID, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
		return Summary{}, fmt.Errorf("insert summary: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, summaryID int64) (Summary, error) {
	const query = `
		SELECT id, note_id, content, created_by, created_at, updated_at
		FROM summaries WHERE id=$1
	`
	var sum Summary
	err := s.db.QueryRowContext(ctx, query, summaryID).Scan(
		&sum.ID, &sum.NoteID, &sum.Content, &sum.CreatedBy, &sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrSummaryNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ListSummariesByNote(ctx context.Context, noteID int64) ([]Summary, error) {
	const query = `
		SELECT id, note_id, content, created_by, created_at, updated_at
		FROM summaries WHERE note_id=$1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, noteID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	items := make([]Summary, 0)
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.NoteID, &sum.Content, &sum.CreatedBy, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSummary(ctx context.Context, summaryID int64, content string) (Summary, error) {
	const update = `
		UPDATE summaries SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, note_id, content, created_by, created_at, updated_at
	`
	var sum Summary
	err := s.db.QueryRowContext(ctx, update, summaryID, content).Scan(
		&sum.ID, &sum.NoteID, &sum.Content, &sum.CreatedBy, &sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrSummaryNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("update summary: %w", err)
	}
	return sum, nil
}
