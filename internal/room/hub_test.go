package room

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, ch chan Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestID(t *testing.T) {
	tests := []struct {
		groupID, meetingID int64
		expected           string
	}{
		{0, 7, "meeting:7"},
		{3, 7, "group:3:meeting:7"},
		{-1, 7, "meeting:7"},
	}
	for _, tt := range tests {
		if got := ID(tt.groupID, tt.meetingID); got != tt.expected {
			t.Errorf("ID(%d, %d) = %q, want %q", tt.groupID, tt.meetingID, got, tt.expected)
		}
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		roomID             string
		groupID, meetingID int64
		ok                 bool
	}{
		{"meeting:7", 0, 7, true},
		{"group:3:meeting:7", 3, 7, true},
		{"meeting:0", 0, 0, false},
		{"group:x:meeting:7", 0, 0, false},
		{"lobby:7", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		groupID, meetingID, ok := ParseID(tt.roomID)
		if groupID != tt.groupID || meetingID != tt.meetingID || ok != tt.ok {
			t.Errorf("ParseID(%q) = (%d, %d, %v), want (%d, %d, %v)",
				tt.roomID, groupID, meetingID, ok, tt.groupID, tt.meetingID, tt.ok)
		}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	a := h.Subscribe("meeting:1")
	b := h.Subscribe("meeting:1")

	ev := Event{Type: EventSessionEnded, Room: "meeting:1"}
	if err := h.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, ch := range []chan Event{a, b} {
		got := recvEvent(t, ch)
		if got.Type != EventSessionEnded {
			t.Errorf("got event type %q, want %q", got.Type, EventSessionEnded)
		}
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	one := h.Subscribe("meeting:1")
	other := h.Subscribe("meeting:2")

	if err := h.Publish(context.Background(), Event{Type: EventOp, Room: "meeting:1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := recvEvent(t, one); got.Room != "meeting:1" {
		t.Errorf("got room %q, want meeting:1", got.Room)
	}
	assertNoEvent(t, other)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch := h.Subscribe("meeting:1")
	h.Unsubscribe("meeting:1", ch)

	if err := h.Publish(context.Background(), Event{Type: EventOp, Room: "meeting:1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Channel is closed by unsubscribe, so a zero read means no delivery.
	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
}

func TestSubscribers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	if n := h.Subscribers("meeting:1"); n != 0 {
		t.Errorf("empty room has %d subscribers", n)
	}
	a := h.Subscribe("meeting:1")
	h.Subscribe("meeting:1")
	if n := h.Subscribers("meeting:1"); n != 2 {
		t.Errorf("got %d subscribers, want 2", n)
	}
	h.Unsubscribe("meeting:1", a)
	if n := h.Subscribers("meeting:1"); n != 1 {
		t.Errorf("got %d subscribers after unsubscribe, want 1", n)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	h := NewHub(nil)
	ch := h.Subscribe("meeting:1")

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
}

func TestPublishToEmptyRoomIsNoop(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	if err := h.Publish(context.Background(), Event{Type: EventOp, Room: "meeting:99"}); err != nil {
		t.Fatalf("Publish to empty room failed: %v", err)
	}
}
