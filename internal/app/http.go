package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"huddle/internal/auth"
	"huddle/internal/export"
	"huddle/internal/live"
	"huddle/internal/room"
	"huddle/internal/search"
	"huddle/internal/store"
	"huddle/internal/summarizer"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "meeting":
		if len(parts) == 3 && r.Method == http.MethodGet {
			s.handleMeetingDetail(w, r, parts[2])
			return
		}
		if len(parts) == 4 && r.Method == http.MethodPost {
			switch parts[3] {
			case "join":
				s.handleJoin(w, r, parts[2])
				return
			case "leave":
				s.handleLeave(w, r, parts[2])
				return
			case "end":
				s.handleEnd(w, r, parts[2])
				return
			}
		}

	case "collab":
		if len(parts) == 4 && parts[3] == "token" && r.Method == http.MethodPost {
			s.handleCollabToken(w, r, parts[2])
			return
		}

	case "rooms":
		if len(parts) == 4 {
			roomID := parts[2]
			switch {
			case parts[3] == "events" && r.Method == http.MethodGet:
				s.handleRoomEvents(w, r, roomID)
				return
			case parts[3] == "ops" && r.Method == http.MethodPost:
				s.handleRoomOps(w, r, roomID)
				return
			case parts[3] == "presence" && r.Method == http.MethodPost:
				s.handleRoomPresence(w, r, roomID)
				return
			}
		}

	case "note":
		if len(parts) == 3 && r.Method == http.MethodGet {
			s.handleNote(w, r, parts[2])
			return
		}
		if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
			s.handleNoteExport(w, r, parts[2])
			return
		}

	case "summaries":
		if len(parts) == 3 {
			switch r.Method {
			case http.MethodGet:
				s.handleSummaries(w, r, parts[2])
				return
			case http.MethodPost:
				s.handleSummaryCreate(w, r, parts[2])
				return
			case http.MethodPut:
				s.handleSummaryUpdate(w, r, parts[2])
				return
			}
		}
		if len(parts) == 4 && parts[3] == "mail" && r.Method == http.MethodPost {
			s.handleSummaryMail(w, r, parts[2])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"cache":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingCache(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request, rawID string) {
	meetingID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var body struct {
		UserName string `json:"userName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Join(r.Context(), meetingID, body.UserName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request, rawID string) {
	meetingID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	claims, err := auth.ParseToken(s.service.tokenSecret, bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if err := s.service.Leave(r.Context(), meetingID, claims.Sub); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEnd(w http.ResponseWriter, r *http.Request, rawID string) {
	meetingID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	claims, err := auth.ParseToken(s.service.tokenSecret, bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	noteID, err := s.service.End(r.Context(), meetingID, claims.Sub)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID})
}

func (s *HTTPServer) handleMeetingDetail(w http.ResponseWriter, r *http.Request, rawID string) {
	meetingID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	detail, err := s.service.MeetingDetail(r.Context(), meetingID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleCollabToken(w http.ResponseWriter, r *http.Request, rawID string) {
	meetingID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var body struct {
		UserName string `json:"userName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CollabToken(r.Context(), meetingID, body.UserName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRoomEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	if _, err := s.service.VerifyRoomToken(roomToken(r), roomID); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	s.service.ServeRoomEvents(roomID, w, r)
}

func (s *HTTPServer) handleRoomOps(w http.ResponseWriter, r *http.Request, roomID string) {
	claims, err := s.service.VerifyRoomToken(roomToken(r), roomID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	payload, ok := readRawBody(w, r)
	if !ok {
		return
	}
	if err := s.service.SubmitOp(r.Context(), roomID, claims.Sub, payload); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRoomPresence(w http.ResponseWriter, r *http.Request, roomID string) {
	claims, err := s.service.VerifyRoomToken(roomToken(r), roomID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	payload, ok := readRawBody(w, r)
	if !ok {
		return
	}
	if err := s.service.PublishPresence(r.Context(), roomID, claims.Sub, payload); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNote(w http.ResponseWriter, r *http.Request, rawID string) {
	noteID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	note, err := s.service.Note(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"noteId":    note.ID,
		"meetingId": note.MeetingID,
		"title":     note.Title,
		"content":   note.Content,
		"createdAt": note.CreatedAt,
	})
}

func (s *HTTPServer) handleNoteExport(w http.ResponseWriter, r *http.Request, rawID string) {
	noteID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatHTML
	}
	if format != export.FormatHTML && format != export.FormatPDF {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be html or pdf", nil)
		return
	}
	includeSummary := r.URL.Query().Get("summary") != "false"
	result, err := s.service.ExportNote(r.Context(), noteID, format, includeSummary)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSummaries(w http.ResponseWriter, r *http.Request, rawID string) {
	noteID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	summaries, err := s.service.SummariesForNote(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func (s *HTTPServer) handleSummaryCreate(w http.ResponseWriter, r *http.Request, rawID string) {
	noteID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	sum, err := s.service.RegenerateSummary(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *HTTPServer) handleSummaryUpdate(w http.ResponseWriter, r *http.Request, rawID string) {
	summaryID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sum, err := s.service.UpdateSummary(r.Context(), summaryID, body.Content)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *HTTPServer) handleSummaryMail(w http.ResponseWriter, r *http.Request, rawID string) {
	summaryID, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var body struct {
		To       string `json:"to"`
		UserName string `json:"userName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.MailSummary(r.Context(), summaryID, body.To, body.UserName); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		FilterType: search.ResultType(query.Get("type")),
	}
	if raw := query.Get("groupId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			q.GroupID = id
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Limit = n
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Offset = n
		}
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the recorder transparent for SSE streaming.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readRawBody reads a request body that is relayed verbatim as an event
// payload. It still must be valid JSON.
func readRawBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return nil, false
	}
	return payload, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// roomToken accepts the credential from the Authorization header or, for
// EventSource clients that cannot set headers, the token query parameter.
func roomToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid id", nil)
		return 0, false
	}
	return id, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotHost):
		return http.StatusForbidden, "NOT_HOST", "Only the host can end the meeting", nil
	case errors.Is(err, store.ErrMeetingEnded):
		return http.StatusConflict, "ALREADY_ENDED", "Meeting already ended", nil
	case errors.Is(err, store.ErrMeetingNotFound):
		return http.StatusNotFound, "MEETING_NOT_FOUND", "Meeting not found", nil
	case errors.Is(err, store.ErrNoteNotFound):
		return http.StatusNotFound, "NOTE_NOT_FOUND", "Note not found", nil
	case errors.Is(err, store.ErrSummaryNotFound):
		return http.StatusNotFound, "SUMMARY_NOT_FOUND", "Summary not found", nil
	case errors.Is(err, live.ErrNotActive):
		return http.StatusConflict, "NOT_ACTIVE", "Session is not active", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrWrongRoom):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, room.ErrConnection):
		return http.StatusServiceUnavailable, "ROOM_UNAVAILABLE", "Room connection lost, retry", nil
	case errors.Is(err, summarizer.ErrUnavailable):
		return http.StatusServiceUnavailable, "SUMMARIZER_UNAVAILABLE", "Summarizer unavailable", nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusUnprocessableEntity, "EXPORT_UNAVAILABLE", "Note content cannot be exported", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering unavailable", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
