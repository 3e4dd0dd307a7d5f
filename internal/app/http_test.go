package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"huddle/internal/auth"
	"huddle/internal/room"
	"huddle/internal/search"
	"huddle/internal/store"
)

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	decoded := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	} else {
		decoded["raw"] = string(raw)
	}
	return resp, decoded
}

func joinMeeting(t *testing.T, env *testEnv, meetingID int64, userName string) (token, roomID, userID string) {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost,
		fmt.Sprintf("%s/api/meeting/%d/join", env.srv.URL, meetingID), "",
		map[string]string{"userName": userName})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join %s: status %d body %v", userName, resp.StatusCode, body)
	}
	token, _ = body["token"].(string)
	roomID, _ = body["roomId"].(string)
	userID, _ = body["userId"].(string)
	if token == "" || roomID == "" || userID == "" {
		t.Fatalf("join response incomplete: %v", body)
	}
	return token, roomID, userID
}

func TestJoinIssuesRoomScopedToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)

	token, roomID, _ := joinMeeting(t, env, 1, "Alice")
	if roomID != "meeting:1" {
		t.Errorf("roomId = %q, want meeting:1", roomID)
	}
	claims, err := auth.ParseRoomToken([]byte("test-secret"), token, roomID)
	if err != nil {
		t.Fatalf("token does not verify for its room: %v", err)
	}
	if claims.Name != "Alice" {
		t.Errorf("claims name = %q", claims.Name)
	}
	if _, err := auth.ParseRoomToken([]byte("test-secret"), token, "meeting:2"); err == nil {
		t.Error("token should not verify for another room")
	}
}

func TestJoinEndedMeetingConflict(t *testing.T) {
	env := newTestEnv(t)
	env.store.addMeeting(2, "usr_host", "Old", store.StatusEnded)

	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/2/join", "",
		map[string]string{"userName": "Alice"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "ALREADY_ENDED" {
		t.Errorf("code = %v, want ALREADY_ENDED", body["code"])
	}
}

func TestJoinUnknownMeeting(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/99/join", "",
		map[string]string{"userName": "Alice"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "MEETING_NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestNonHostCannotEndMeeting(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)

	token, _, _ := joinMeeting(t, env, 1, "Alice")
	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/1/end", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %v", resp.StatusCode, body)
	}
	if body["code"] != "NOT_HOST" {
		t.Errorf("code = %v, want NOT_HOST", body["code"])
	}
	if env.store.meeting(t, 1).Status != store.StatusOngoing {
		t.Error("meeting must stay ONGOING")
	}
	if env.store.endCalls != 0 {
		t.Errorf("endCalls = %d, want 0", env.store.endCalls)
	}
}

func TestHostEndsMeetingOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)

	hostToken, roomID, _ := joinMeeting(t, env, 1, "Maya")

	events := env.hub.Subscribe(roomID)
	defer env.hub.Unsubscribe(roomID, events)

	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/1/end", hostToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	noteID, ok := body["noteId"].(float64)
	if !ok || noteID <= 0 {
		t.Fatalf("noteId = %v", body["noteId"])
	}
	if env.store.meeting(t, 1).Status != store.StatusEnded {
		t.Error("meeting should be ENDED")
	}

	ended := 0
	deadline := time.After(2 * time.Second)
	for ended == 0 {
		select {
		case ev := <-events:
			if ev.Type == room.EventSessionEnded {
				ended++
			}
		case <-deadline:
			t.Fatal("no session_ended broadcast")
		}
	}

	// Ending again conflicts; the meeting is already over.
	resp, body = doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/1/end", hostToken, nil)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		t.Fatalf("second end status = %d body %v", resp.StatusCode, body)
	}
}

func TestLeaveMeeting(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)

	token, _, userID := joinMeeting(t, env, 1, "Alice")
	resp, _ := doRequest(t, http.MethodPost, env.srv.URL+"/api/meeting/1/leave", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d", resp.StatusCode)
	}

	participants, _ := env.store.ListParticipants(context.Background(), 1)
	for _, p := range participants {
		if p.UserID == userID && p.LeftAt == nil {
			t.Error("participant should be marked left")
		}
	}
}

func TestMeetingDetailOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)
	joinMeeting(t, env, 1, "Alice")

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/meeting/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["title"] != "Standup" || body["status"] != store.StatusOngoing {
		t.Errorf("detail = %v", body)
	}
	participants, _ := body["participants"].([]any)
	if len(participants) != 1 {
		t.Errorf("participants = %v", body["participants"])
	}
	if _, stale := body["stale"]; stale {
		t.Error("authoritative read must not be stale")
	}
}

func TestRoomEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)
	token, _, _ := joinMeeting(t, env, 1, "Maya")

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodPost, "/api/rooms/meeting:1/ops", "", http.StatusUnauthorized},
		{http.MethodPost, "/api/rooms/meeting:1/presence", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/rooms/meeting:1/events", "", http.StatusUnauthorized},
		{http.MethodPost, "/api/rooms/meeting:2/ops", token, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		resp, _ := doRequest(t, tc.method, env.srv.URL+tc.path, tc.token, map[string]any{"kind": "noop"})
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s token=%v: status = %d, want %d", tc.method, tc.path, tc.token != "", resp.StatusCode, tc.want)
		}
	}
}

func TestOpsFanOutToRoomSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)
	token, roomID, userID := joinMeeting(t, env, 1, "Alice")

	events := env.hub.Subscribe(roomID)
	defer env.hub.Unsubscribe(roomID, events)

	op := map[string]any{
		"id":       map[string]any{"actor": userID, "seq": 1},
		"kind":     "insert",
		"nodeId":   userID + ":1",
		"parentId": "root",
		"pos":      "U",
		"elem":     map[string]any{"type": "paragraph"},
	}
	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/rooms/"+roomID+"/ops", token, op)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body %v", resp.StatusCode, body)
	}

	select {
	case ev := <-events:
		if ev.Type != room.EventOp {
			t.Errorf("event type = %s", ev.Type)
		}
		if ev.Actor != userID {
			t.Errorf("actor = %q, want %q", ev.Actor, userID)
		}
	case <-time.After(time.Second):
		t.Fatal("op did not reach room subscribers")
	}
}

func TestPresenceFanOut(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("usr_host", "Maya")
	env.store.addMeeting(1, "usr_host", "Standup", store.StatusOngoing)
	token, roomID, userID := joinMeeting(t, env, 1, "Alice")

	events := env.hub.Subscribe(roomID)
	defer env.hub.Unsubscribe(roomID, events)

	resp, _ := doRequest(t, http.MethodPost, env.srv.URL+"/api/rooms/"+roomID+"/presence", token,
		map[string]any{"cursor": map[string]int{"node": 3, "offset": 14}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case ev := <-events:
		if ev.Type != room.EventPresence || ev.Actor != userID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("presence did not reach room subscribers")
	}
}

func TestNoteAndExportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	content := json.RawMessage(`{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Decisions"}]}]}`)
	env.store.addNote(1, 1, "Weekly Planning", content)

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/note/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("note status = %d", resp.StatusCode)
	}
	if body["title"] != "Weekly Planning" {
		t.Errorf("title = %v", body["title"])
	}

	resp, body = doRequest(t, http.MethodGet, env.srv.URL+"/api/note/1/export?format=html", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d body %v", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if html, _ := body["raw"].(string); !strings.Contains(html, "Decisions") {
		t.Error("export should contain rendered heading")
	}

	resp, _ = doRequest(t, http.MethodGet, env.srv.URL+"/api/note/1/export?format=docx", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", resp.StatusCode)
	}

	resp, body = doRequest(t, http.MethodGet, env.srv.URL+"/api/note/404", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOTE_NOT_FOUND" {
		t.Errorf("missing note: status = %d code = %v", resp.StatusCode, body["code"])
	}
}

func TestSummaryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.summarizer.configured = true
	env.summarizer.text = "Key points."
	env.store.addNote(1, 1, "Planning", json.RawMessage(`{"type":"doc","content":[]}`))

	resp, body := doRequest(t, http.MethodPost, env.srv.URL+"/api/summaries/1", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body %v", resp.StatusCode, body)
	}
	summaryID := int64(body["id"].(float64))

	resp, body = doRequest(t, http.MethodGet, env.srv.URL+"/api/summaries/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if items, _ := body["summaries"].([]any); len(items) != 1 {
		t.Errorf("summaries = %v", body["summaries"])
	}

	resp, body = doRequest(t, http.MethodPut,
		fmt.Sprintf("%s/api/summaries/%d", env.srv.URL, summaryID), "",
		map[string]string{"content": "Edited points."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d body %v", resp.StatusCode, body)
	}
	if body["content"] != "Edited points." {
		t.Errorf("updated content = %v", body["content"])
	}

	resp, body = doRequest(t, http.MethodPut, env.srv.URL+"/api/summaries/999", "",
		map[string]string{"content": "x"})
	if resp.StatusCode != http.StatusNotFound || body["code"] != "SUMMARY_NOT_FOUND" {
		t.Errorf("missing summary: status = %d code = %v", resp.StatusCode, body["code"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.search.resp = search.Response{
		Results: []search.Result{{Type: search.ResultMeeting, ID: "meeting-1", Title: "Planning", MeetingID: 1}},
		Total:   1,
		Query:   "plan",
	}

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/search?q=plan&groupId=7&limit=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if results, _ := body["results"].([]any); len(results) != 1 {
		t.Errorf("results = %v", body["results"])
	}
	env.search.mu.Lock()
	q := env.search.queries[0]
	env.search.mu.Unlock()
	if q.Text != "plan" || q.GroupID != 7 || q.Limit != 5 {
		t.Errorf("query = %+v", q)
	}

	resp, _ = doRequest(t, http.MethodGet, env.srv.URL+"/api/search", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty q status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: status = %d body %v", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodGet, env.srv.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: status = %d body %v", resp.StatusCode, body)
	}

	env.store.pingErr = fmt.Errorf("database offline")
	resp, body = doRequest(t, http.MethodGet, env.srv.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready with db down: status = %d body %v", resp.StatusCode, body)
	}
}
