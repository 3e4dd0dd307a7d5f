// Package app wires the meeting lifecycle together: joining and leaving,
// the end-of-meeting orchestration, cached snapshot reads, summaries, search
// and export, behind a hand-rolled HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"huddle/internal/auth"
	"huddle/internal/cache"
	"huddle/internal/collab"
	"huddle/internal/doctree"
	"huddle/internal/export"
	"huddle/internal/live"
	"huddle/internal/room"
	"huddle/internal/search"
	"huddle/internal/store"
	"huddle/internal/util"
)

// DataStore is the authoritative persistence layer as the service consumes it.
type DataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetMeeting(ctx context.Context, meetingID int64) (store.Meeting, error)
	JoinMeeting(ctx context.Context, meetingID int64, userID string) error
	LeaveMeeting(ctx context.Context, meetingID int64, userID string) error
	ListParticipants(ctx context.Context, meetingID int64) ([]store.Participant, error)
	EndMeeting(ctx context.Context, meetingID int64, hostID, noteTitle string, content json.RawMessage) (int64, error)
	GetNote(ctx context.Context, noteID int64) (store.Note, error)
	GetNoteByMeeting(ctx context.Context, meetingID int64) (store.Note, error)
	CreateSummary(ctx context.Context, noteID int64, content, createdBy string) (store.Summary, error)
	GetSummary(ctx context.Context, summaryID int64) (store.Summary, error)
	ListSummariesByNote(ctx context.Context, noteID int64) ([]store.Summary, error)
	UpdateSummary(ctx context.Context, summaryID int64, content string) (store.Summary, error)
	Ping(ctx context.Context) error
}

// Summarizer produces a summary for an ended meeting's document.
type Summarizer interface {
	IsConfigured() bool
	Summarize(ctx context.Context, title string, document json.RawMessage) (string, error)
}

// SearchIndex is the slice of the search service the app feeds and queries.
type SearchIndex interface {
	Search(q search.Query) search.Response
	IndexMeeting(rec search.MeetingRecord)
	IndexSummary(rec search.SummaryRecord)
}

// Mailer delivers summary emails.
type Mailer interface {
	IsConfigured() bool
	SendSummaryEmail(to, userName, meetingTitle, summaryHTML string) error
}

// Options carries the service tunables.
type Options struct {
	TokenSecret  []byte
	TokenTTL     time.Duration
	SettleDelay  time.Duration
	PollInterval time.Duration
}

// Service orchestrates meetings. It is also the live.Backend every
// participant session talks to.
type Service struct {
	store      DataStore
	snapshots  *cache.Store
	hub        *room.Hub
	summarizer Summarizer
	search     SearchIndex
	mail       Mailer
	exporter   *export.Service

	tokenSecret  []byte
	tokenTTL     time.Duration
	settleDelay  time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*live.Session
}

func NewService(db DataStore, snapshots *cache.Store, hub *room.Hub, summarizer Summarizer, searchIdx SearchIndex, mail Mailer, opts Options) *Service {
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Service{
		store:        db,
		snapshots:    snapshots,
		hub:          hub,
		summarizer:   summarizer,
		search:       searchIdx,
		mail:         mail,
		tokenSecret:  opts.TokenSecret,
		tokenTTL:     ttl,
		settleDelay:  opts.SettleDelay,
		pollInterval: opts.PollInterval,
		sessions:     make(map[string]*live.Session),
	}
	s.exporter = export.NewService(&exportStore{store: db})
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports snapshot cache reachability for the readiness probe.
func (s *Service) PingCache(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	return s.snapshots.Ping(ctx)
}

func sessionKey(meetingID int64, userID string) string {
	return fmt.Sprintf("%d:%s", meetingID, userID)
}

func (s *Service) sessionFor(meetingID int64, userID string) *live.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionKey(meetingID, userID)]
}

func (s *Service) registerSession(meetingID int64, userID string, sess *live.Session) {
	key := sessionKey(meetingID, userID)
	s.mu.Lock()
	prev := s.sessions[key]
	s.sessions[key] = sess
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (s *Service) dropSession(meetingID int64, userID string) {
	s.mu.Lock()
	delete(s.sessions, sessionKey(meetingID, userID))
	s.mu.Unlock()
}

// CloseSessions releases every live session, for shutdown.
func (s *Service) CloseSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*live.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// JoinResult is what a participant needs to attach to the room.
type JoinResult struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	IsHost bool   `json:"isHost"`
}

// Join registers the participant, starts their live session, and issues the
// room-scoped collaboration credential.
func (s *Service) Join(ctx context.Context, meetingID int64, userName string) (JoinResult, error) {
	if strings.TrimSpace(userName) == "" {
		return JoinResult{}, domainError(http.StatusBadRequest, "INVALID_BODY", "userName is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return JoinResult{}, err
	}
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := s.store.JoinMeeting(ctx, meetingID, user.ID); err != nil {
		return JoinResult{}, err
	}

	sess := live.NewSession(s, s.hub, s.snapshots, live.Options{
		MeetingID:    meetingID,
		GroupID:      m.GroupID,
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		Title:        m.Title,
		IsHost:       user.ID == m.HostID,
		SettleDelay:  s.settleDelay,
		PollInterval: s.pollInterval,
	})
	if err := sess.Join(ctx); err != nil {
		return JoinResult{}, err
	}
	s.registerSession(meetingID, user.ID, sess)

	token, err := s.issueRoomToken(user, sess.RoomID())
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Token: token, RoomID: sess.RoomID(), UserID: user.ID, IsHost: user.ID == m.HostID}, nil
}

// CollabToken re-issues the room credential for a reconnecting participant.
func (s *Service) CollabToken(ctx context.Context, meetingID int64, userName string) (JoinResult, error) {
	if strings.TrimSpace(userName) == "" {
		return JoinResult{}, domainError(http.StatusBadRequest, "INVALID_BODY", "userName is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return JoinResult{}, err
	}
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return JoinResult{}, err
	}
	roomID := room.ID(m.GroupID, meetingID)
	token, err := s.issueRoomToken(user, roomID)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Token: token, RoomID: roomID, UserID: user.ID, IsHost: user.ID == m.HostID}, nil
}

func (s *Service) issueRoomToken(user store.User, roomID string) (string, error) {
	return auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Room: roomID,
		JTI:  util.NewID("jti"),
		Exp:  time.Now().Add(s.tokenTTL).Unix(),
	})
}

// VerifyRoomToken checks a collaboration credential against a room.
func (s *Service) VerifyRoomToken(token, roomID string) (auth.Claims, error) {
	return auth.ParseRoomToken(s.tokenSecret, token, roomID)
}

// Leave marks the participant gone and detaches their live session.
func (s *Service) Leave(ctx context.Context, meetingID int64, userID string) error {
	if sess := s.sessionFor(meetingID, userID); sess != nil {
		if err := sess.RequestLeave(ctx); err != nil {
			return err
		}
		s.dropSession(meetingID, userID)
	}
	return s.store.LeaveMeeting(ctx, meetingID, userID)
}

// End runs the end-of-meeting orchestration for the caller. With a live
// session on this instance the session drives it; otherwise the meeting is
// ended directly from the cached snapshot, which covers hosts that reconnect
// to a different instance.
func (s *Service) End(ctx context.Context, meetingID int64, userID string) (int64, error) {
	if sess := s.sessionFor(meetingID, userID); sess != nil {
		return sess.RequestEnd(ctx)
	}

	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	var content json.RawMessage
	if snap, ok, err := s.snapshots.Load(ctx, meetingID); err == nil && ok {
		content = snap.DocumentTree
	}
	noteID, err := s.EndSession(ctx, meetingID, userID, content)
	if err != nil {
		return 0, err
	}
	payload, _ := json.Marshal(map[string]int64{"noteId": noteID})
	if err := s.hub.Publish(ctx, room.Event{
		Type:    room.EventSessionEnded,
		Room:    room.ID(m.GroupID, meetingID),
		Actor:   userID,
		Payload: payload,
	}); err != nil {
		log.Printf("app: session_ended broadcast failed meeting=%d err=%v", meetingID, err)
	}
	return noteID, nil
}

// SubmitOp routes a participant's edit. Through their live session when one
// exists on this instance, so the server replica stays current; straight to
// the room otherwise.
func (s *Service) SubmitOp(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	if _, meetingID, ok := room.ParseID(roomID); ok {
		if sess := s.sessionFor(meetingID, userID); sess != nil {
			var op collab.Op
			if err := json.Unmarshal(payload, &op); err != nil {
				return domainError(http.StatusBadRequest, "INVALID_BODY", "malformed operation", nil)
			}
			return sess.SubmitOp(ctx, op)
		}
	}
	return s.hub.Publish(ctx, room.Event{
		Type:    room.EventOp,
		Room:    roomID,
		Actor:   userID,
		Payload: payload,
	})
}

// PublishPresence relays an ephemeral presence update. Never persisted.
func (s *Service) PublishPresence(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	return s.hub.Publish(ctx, room.Event{
		Type:    room.EventPresence,
		Room:    roomID,
		Actor:   userID,
		Payload: payload,
	})
}

// ServeRoomEvents attaches an SSE subscriber to the room.
func (s *Service) ServeRoomEvents(roomID string, w http.ResponseWriter, r *http.Request) {
	s.hub.ServeSSE(roomID, w, r)
}

// ParticipantInfo is one row of the meeting detail participant list.
type ParticipantInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Present     bool   `json:"present"`
}

// MeetingDetail is the detail read, either authoritative or served from the
// snapshot cache with Stale set.
type MeetingDetail struct {
	ID           int64             `json:"id"`
	Title        string            `json:"title"`
	Status       string            `json:"status"`
	HostID       string            `json:"hostId,omitempty"`
	HostName     string            `json:"hostName,omitempty"`
	Participants []ParticipantInfo `json:"participants"`
	NoteID       *int64            `json:"noteId,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	DocumentTree json.RawMessage   `json:"documentTree,omitempty"`
	Stale        bool              `json:"stale,omitempty"`
}

// MeetingDetail reads the meeting authoritatively, falling back to the cached
// snapshot when the authoritative read fails. Not-found is an authoritative
// answer and never falls back.
func (s *Service) MeetingDetail(ctx context.Context, meetingID int64) (MeetingDetail, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, store.ErrMeetingNotFound) {
			return MeetingDetail{}, err
		}
		snap, ok, cerr := s.snapshots.Load(ctx, meetingID)
		if cerr == nil && ok {
			log.Printf("app: serving cached snapshot meeting=%d store err=%v", meetingID, err)
			return MeetingDetail{
				ID:           meetingID,
				Title:        snap.Title,
				Status:       snap.Status,
				Summary:      snap.Summary,
				DocumentTree: snap.DocumentTree,
				Participants: []ParticipantInfo{},
				Stale:        true,
			}, nil
		}
		return MeetingDetail{}, err
	}

	detail := MeetingDetail{
		ID:           m.ID,
		Title:        m.Title,
		Status:       m.Status,
		HostID:       m.HostID,
		NoteID:       m.NoteID,
		Participants: []ParticipantInfo{},
	}
	if host, err := s.store.GetUserByID(ctx, m.HostID); err == nil {
		detail.HostName = host.DisplayName
	}
	participants, err := s.store.ListParticipants(ctx, meetingID)
	if err != nil {
		log.Printf("app: list participants failed meeting=%d err=%v", meetingID, err)
	}
	for _, p := range participants {
		detail.Participants = append(detail.Participants, ParticipantInfo{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Present:     p.LeftAt == nil,
		})
	}
	if m.NoteID != nil {
		if summary, err := s.Summary(ctx, *m.NoteID); err == nil {
			detail.Summary = summary
		}
	}
	if snap, ok, err := s.snapshots.Load(ctx, meetingID); err == nil && ok {
		detail.DocumentTree = snap.DocumentTree
	} else if m.Status == store.StatusEnded {
		// Cache entry expired; the note row holds the final document.
		if note, err := s.store.GetNoteByMeeting(ctx, meetingID); err == nil {
			detail.DocumentTree = note.Content
			if detail.NoteID == nil {
				detail.NoteID = &note.ID
			}
		}
	}
	return detail, nil
}

// Note fetches a note by id.
func (s *Service) Note(ctx context.Context, noteID int64) (store.Note, error) {
	return s.store.GetNote(ctx, noteID)
}

// ExportNote renders a note to the requested format.
func (s *Service) ExportNote(ctx context.Context, noteID int64, format export.Format, includeSummary bool) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{NoteID: noteID, Format: format, IncludeSummary: includeSummary})
}

// SummariesForNote lists the summaries of a note, newest first.
func (s *Service) SummariesForNote(ctx context.Context, noteID int64) ([]store.Summary, error) {
	return s.store.ListSummariesByNote(ctx, noteID)
}

// RegenerateSummary asks the summarizer for a fresh summary of the note and
// stores it as a new revision.
func (s *Service) RegenerateSummary(ctx context.Context, noteID int64) (store.Summary, error) {
	if s.summarizer == nil || !s.summarizer.IsConfigured() {
		return store.Summary{}, domainError(http.StatusServiceUnavailable, "SUMMARIZER_UNAVAILABLE", "Summarizer not configured", nil)
	}
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Summary{}, err
	}
	text, err := s.summarizer.Summarize(ctx, note.Title, note.Content)
	if err != nil {
		return store.Summary{}, err
	}
	sum, err := s.store.CreateSummary(ctx, noteID, text, "summarizer")
	if err != nil {
		return store.Summary{}, err
	}
	s.indexSummary(ctx, sum, note)
	s.refreshSnapshotSummary(ctx, note.MeetingID, text)
	return sum, nil
}

// UpdateSummary applies a manual edit to a summary revision.
func (s *Service) UpdateSummary(ctx context.Context, summaryID int64, content string) (store.Summary, error) {
	if strings.TrimSpace(content) == "" {
		return store.Summary{}, domainError(http.StatusBadRequest, "INVALID_BODY", "content is required", nil)
	}
	sum, err := s.store.UpdateSummary(ctx, summaryID, content)
	if err != nil {
		return store.Summary{}, err
	}
	if note, err := s.store.GetNote(ctx, sum.NoteID); err == nil {
		s.indexSummary(ctx, sum, note)
		s.refreshSnapshotSummary(ctx, note.MeetingID, content)
	}
	return sum, nil
}

// MailSummary sends a summary to a recipient.
func (s *Service) MailSummary(ctx context.Context, summaryID int64, to, userName string) error {
	if s.mail == nil || !s.mail.IsConfigured() {
		return domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email not configured", nil)
	}
	if strings.TrimSpace(to) == "" {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "recipient is required", nil)
	}
	sum, err := s.store.GetSummary(ctx, summaryID)
	if err != nil {
		return err
	}
	note, err := s.store.GetNote(ctx, sum.NoteID)
	if err != nil {
		return err
	}
	return s.mail.SendSummaryEmail(to, userName, note.Title, summaryToHTML(sum.Content))
}

// Search queries ended meetings and summaries.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// EndSession implements live.Backend. It is the single authoritative end
// path: the conditional update in the store enforces host and ONGOING, the
// note is created from the flushed snapshot, then the summary, cache, and
// search index are brought up to date.
func (s *Service) EndSession(ctx context.Context, meetingID int64, userID string, content json.RawMessage) (int64, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	noteID, err := s.store.EndMeeting(ctx, meetingID, userID, m.Title, content)
	if err != nil {
		return 0, err
	}

	summaryText := ""
	if s.summarizer != nil && s.summarizer.IsConfigured() {
		text, err := s.summarizer.Summarize(ctx, m.Title, content)
		if err != nil {
			log.Printf("app: summarize failed meeting=%d err=%v", meetingID, err)
		} else {
			summaryText = text
			sum, err := s.store.CreateSummary(ctx, noteID, text, "summarizer")
			if err != nil {
				log.Printf("app: store summary failed note=%d err=%v", noteID, err)
			} else if s.search != nil {
				s.search.IndexSummary(search.SummaryRecord{
					ID:        fmt.Sprintf("summary-%d", sum.ID),
					MeetingID: meetingID,
					NoteID:    noteID,
					Title:     m.Title,
					Content:   text,
				})
			}
		}
	}

	// Authoritative overwrite of the cached snapshot.
	if err := s.snapshots.Save(ctx, cache.Snapshot{
		MeetingID:    meetingID,
		Title:        m.Title,
		Summary:      summaryText,
		DocumentTree: content,
		Status:       store.StatusEnded,
	}); err != nil {
		log.Printf("app: snapshot overwrite failed meeting=%d err=%v", meetingID, err)
	}

	if s.search != nil {
		s.search.IndexMeeting(search.MeetingRecord{
			ID:        fmt.Sprintf("meeting-%d", meetingID),
			MeetingID: meetingID,
			GroupID:   m.GroupID,
			NoteID:    noteID,
			Title:     m.Title,
			Preview:   contentPreview(content),
		})
	}
	return noteID, nil
}

// Status implements live.Backend.
func (s *Service) Status(ctx context.Context, meetingID int64) (string, int64, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return "", 0, err
	}
	var noteID int64
	if m.NoteID != nil {
		noteID = *m.NoteID
	}
	return m.Status, noteID, nil
}

// Summary implements live.Backend. The newest revision wins.
func (s *Service) Summary(ctx context.Context, noteID int64) (string, error) {
	summaries, err := s.store.ListSummariesByNote(ctx, noteID)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}
	return summaries[0].Content, nil
}

func (s *Service) indexSummary(ctx context.Context, sum store.Summary, note store.Note) {
	if s.search == nil {
		return
	}
	s.search.IndexSummary(search.SummaryRecord{
		ID:        fmt.Sprintf("summary-%d", sum.ID),
		MeetingID: note.MeetingID,
		NoteID:    note.ID,
		Title:     note.Title,
		Content:   sum.Content,
	})
}

func (s *Service) refreshSnapshotSummary(ctx context.Context, meetingID int64, summary string) {
	snap, ok, err := s.snapshots.Load(ctx, meetingID)
	if err != nil || !ok {
		return
	}
	snap.Summary = summary
	if err := s.snapshots.Save(ctx, snap); err != nil {
		log.Printf("app: snapshot summary refresh failed meeting=%d err=%v", meetingID, err)
	}
}

// contentPreview extracts plain text from a document tree for indexing.
func contentPreview(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	parsed := doctree.Preprocess(content)
	if parsed.Tree == nil {
		return ""
	}
	text := parsed.Tree.PlainText()
	const previewLimit = 500
	if len(text) > previewLimit {
		// Back up to a rune boundary so the cut never splits a character.
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// summaryToHTML escapes plain-text summary content for the email template.
func summaryToHTML(content string) string {
	escaped := html.EscapeString(content)
	return strings.ReplaceAll(escaped, "\n", "<br>\n")
}

// exportStore adapts the data store to the exporter's view of notes.
type exportStore struct {
	store DataStore
}

func (e *exportStore) GetNote(ctx context.Context, noteID int64) (export.NoteInfo, error) {
	note, err := e.store.GetNote(ctx, noteID)
	if err != nil {
		return export.NoteInfo{}, err
	}
	return export.NoteInfo{
		ID:        note.ID,
		MeetingID: note.MeetingID,
		Title:     note.Title,
		Content:   note.Content,
		CreatedAt: note.CreatedAt,
	}, nil
}

func (e *exportStore) ListSummaries(ctx context.Context, noteID int64) ([]export.SummaryInfo, error) {
	summaries, err := e.store.ListSummariesByNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	items := make([]export.SummaryInfo, 0, len(summaries))
	for _, sum := range summaries {
		items = append(items, export.SummaryInfo{Content: sum.Content, UpdatedAt: sum.UpdatedAt})
	}
	return items, nil
}
