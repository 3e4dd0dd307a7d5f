// Package room provides real-time fan-out for live meeting rooms. Each room
// has a broker that relays document operations, presence updates, and the
// session-ended signal to every subscribed participant; a Redis bus carries
// the same events across API instances.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrConnection marks transient transport failures. Callers may retry;
// delivery of a given event is not guaranteed after this error.
var ErrConnection = errors.New("room connection lost")

// EventType enumerates the event kinds relayed through a room.
type EventType string

const (
	// EventOp carries a replicated document operation.
	EventOp EventType = "op"
	// EventPresence carries a participant presence update.
	EventPresence EventType = "presence"
	// EventSessionEnded signals that the meeting was authoritatively ended.
	// It is published at most once per meeting, only after the backend
	// confirmed the end.
	EventSessionEnded EventType = "session_ended"
)

// Event is one message relayed through a room.
type Event struct {
	Type    EventType       `json:"type"`
	Room    string          `json:"room"`
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ID derives the room identifier for a meeting. Meetings that belong to a
// group are scoped under it so group meetings and personal meetings can never
// collide.
func ID(groupID, meetingID int64) string {
	if groupID > 0 {
		return fmt.Sprintf("group:%d:meeting:%d", groupID, meetingID)
	}
	return fmt.Sprintf("meeting:%d", meetingID)
}

// ParseID is the inverse of ID. ok is false for identifiers that no call to
// ID could have produced.
func ParseID(roomID string) (groupID, meetingID int64, ok bool) {
	parts := strings.Split(roomID, ":")
	switch len(parts) {
	case 2:
		if parts[0] != "meeting" {
			return 0, 0, false
		}
		meetingID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || meetingID <= 0 {
			return 0, 0, false
		}
		return 0, meetingID, true
	case 4:
		if parts[0] != "group" || parts[2] != "meeting" {
			return 0, 0, false
		}
		groupID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || groupID <= 0 {
			return 0, 0, false
		}
		meetingID, err = strconv.ParseInt(parts[3], 10, 64)
		if err != nil || meetingID <= 0 {
			return 0, 0, false
		}
		return groupID, meetingID, true
	}
	return 0, 0, false
}
