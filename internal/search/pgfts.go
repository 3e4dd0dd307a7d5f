package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across ended meetings and summaries
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Ended meetings sub-query; the tsvector expression matches the
	// idx_notes_fts index.
	if q.FilterType == "" || q.FilterType == ResultMeeting {
		where := fmt.Sprintf(
			"m.status = 'ENDED' AND to_tsvector('simple', n.title || ' ' || n.content::text) @@ %s", tsQuery)
		if q.GroupID != 0 {
			where += fmt.Sprintf(" AND m.group_id = $%d", argN)
			args = append(args, q.GroupID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'meeting'::text AS type, m.id::text, m.title,
				ts_headline('simple', n.content::text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.id AS meeting_id, n.id AS note_id,
				ts_rank(to_tsvector('simple', n.title || ' ' || n.content::text), %s) AS rank
			FROM meetings m
			JOIN notes n ON n.meeting_id = m.id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	// Summaries sub-query
	if q.FilterType == "" || q.FilterType == ResultSummary {
		where := fmt.Sprintf("to_tsvector('simple', s.content) @@ %s", tsQuery)
		if q.GroupID != 0 {
			where += fmt.Sprintf(" AND m.group_id = $%d", argN)
			args = append(args, q.GroupID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'summary'::text AS type, s.id::text, m.title,
				ts_headline('simple', s.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.id AS meeting_id, n.id AS note_id,
				ts_rank(to_tsvector('simple', s.content), %s) AS rank
			FROM summaries s
			JOIN notes n ON n.id = s.note_id
			JOIN meetings m ON m.id = n.meeting_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, meeting_id, note_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.MeetingID, &r.NoteID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MeetingRecord, []SummaryRecord, error) {
	meetingRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, COALESCE(m.group_id, 0), n.id, m.title, LEFT(n.content::text, 500)
		FROM meetings m
		JOIN notes n ON n.meeting_id = m.id
		WHERE m.status = 'ENDED'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load meetings: %w", err)
	}
	defer meetingRows.Close()

	meetings := make([]MeetingRecord, 0)
	for meetingRows.Next() {
		var rec MeetingRecord
		if err := meetingRows.Scan(&rec.MeetingID, &rec.GroupID, &rec.NoteID, &rec.Title, &rec.Preview); err != nil {
			return nil, nil, fmt.Errorf("scan meeting: %w", err)
		}
		rec.ID = fmt.Sprintf("meeting-%d", rec.MeetingID)
		meetings = append(meetings, rec)
	}
	if err := meetingRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate meetings: %w", err)
	}

	summaryRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, m.id, n.id, m.title, s.content
		FROM summaries s
		JOIN notes n ON n.id = s.note_id
		JOIN meetings m ON m.id = n.meeting_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load summaries: %w", err)
	}
	defer summaryRows.Close()

	summaries := make([]SummaryRecord, 0)
	for summaryRows.Next() {
		var rec SummaryRecord
		var id int64
		if err := summaryRows.Scan(&id, &rec.MeetingID, &rec.NoteID, &rec.Title, &rec.Content); err != nil {
			return nil, nil, fmt.Errorf("scan summary: %w", err)
		}
		rec.ID = fmt.Sprintf("summary-%d", id)
		summaries = append(summaries, rec)
	}
	if err := summaryRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate summaries: %w", err)
	}

	return meetings, summaries, nil
}
