// Package live runs the participant side of a meeting: a per-participant
// session state machine bound to a document replica, the meeting's room, and
// the authoritative backend.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"huddle/internal/cache"
	"huddle/internal/collab"
	"huddle/internal/room"
	"huddle/internal/store"
)

// State is the lifecycle state of one participant's session.
type State string

const (
	StateJoining State = "JOINING"
	StateActive  State = "ACTIVE"
	StateEnding  State = "ENDING"
	StateEnded   State = "ENDED"
	StateLeft    State = "LEFT"
)

// ErrPropagationTimeout reports that the settle wait before the
// authoritative end elapsed without confirmation. It is non-fatal; the end
// proceeds regardless.
var ErrPropagationTimeout = errors.New("snapshot propagation timed out")

// ErrNotActive rejects operations on a session outside ACTIVE.
var ErrNotActive = errors.New("session is not active")

// Backend is the authoritative service as seen from a session.
type Backend interface {
	// EndSession atomically verifies the caller is the host, marks the
	// meeting ended, and creates the note from the flushed snapshot.
	EndSession(ctx context.Context, meetingID int64, userID string, content json.RawMessage) (noteID int64, err error)
	// Status reports the meeting status and, once ended, its note id.
	Status(ctx context.Context, meetingID int64) (status string, noteID int64, err error)
	// Summary fetches the note summary after the session ended.
	Summary(ctx context.Context, noteID int64) (string, error)
}

// Broadcaster is the slice of the room hub a session uses.
type Broadcaster interface {
	Publish(ctx context.Context, ev room.Event) error
	Subscribe(roomID string) chan room.Event
	Unsubscribe(roomID string, ch chan room.Event)
}

// SnapshotStore persists the rendering snapshot for the meeting's room key.
type SnapshotStore interface {
	Save(ctx context.Context, snap cache.Snapshot) error
	Load(ctx context.Context, meetingID int64) (cache.Snapshot, bool, error)
}

// Options configures a session.
type Options struct {
	MeetingID   int64
	GroupID     int64
	UserID      string
	DisplayName string
	Title       string
	IsHost      bool

	// SettleDelay bounds the wait between the snapshot flush and the
	// authoritative end. Zero means DefaultSettleDelay.
	SettleDelay time.Duration
	// PollInterval drives the status poll slow path. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration
}

const (
	DefaultSettleDelay  = 2 * time.Second
	DefaultPollInterval = 8 * time.Second
)

// Session is one participant's live connection to a meeting. Termination is
// observed through two independent producers, the room broadcast and the
// status poll, both feeding the same idempotent transition.
type Session struct {
	backend   Backend
	rooms     Broadcaster
	snapshots SnapshotStore

	meetingID    int64
	roomID       string
	userID       string
	displayName  string
	title        string
	isHost       bool
	settleDelay  time.Duration
	pollInterval time.Duration

	doc *collab.Doc

	mu             sync.Mutex
	state          State
	noteID         int64
	summary        string
	summaryFetched bool
	events         chan room.Event
	flushAck       chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSession creates a session in JOINING state. Call Join to attach it.
func NewSession(backend Backend, rooms Broadcaster, snapshots SnapshotStore, opts Options) *Session {
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Session{
		backend:      backend,
		rooms:        rooms,
		snapshots:    snapshots,
		meetingID:    opts.MeetingID,
		roomID:       room.ID(opts.GroupID, opts.MeetingID),
		userID:       opts.UserID,
		displayName:  opts.DisplayName,
		title:        opts.Title,
		isHost:       opts.IsHost,
		settleDelay:  settle,
		pollInterval: poll,
		doc:          collab.NewDoc(),
		state:        StateJoining,
		stopped:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NoteID returns the note id once the session reached ENDED, else zero.
func (s *Session) NoteID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteID
}

// Summary returns the fetched summary once the session reached ENDED.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// RoomID returns the room this session is attached to.
func (s *Session) RoomID() string {
	return s.roomID
}

// Doc exposes the session's document replica.
func (s *Session) Doc() *collab.Doc {
	return s.doc
}

// Join attaches the session to its room and starts the two termination
// observers. A meeting that already ended transitions straight to ENDED.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return fmt.Errorf("join from state %s: %w", s.state, ErrNotActive)
	}
	s.events = s.rooms.Subscribe(s.roomID)
	s.state = StateActive
	s.mu.Unlock()

	status, noteID, err := s.backend.Status(ctx, s.meetingID)
	if err == nil && status == store.StatusEnded {
		s.finish(noteID)
		return nil
	}
	// A failed status read is not fatal on join; the cached snapshot keeps
	// the client rendering and the poll retries.
	if err != nil {
		log.Printf("live: join status read failed meeting=%d err=%v", s.meetingID, err)
	}

	go s.listen(s.events)
	go s.poll()
	return nil
}

// SubmitOp applies a local edit and broadcasts it to the room.
func (s *Session) SubmitOp(ctx context.Context, op collab.Op) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateActive && state != StateEnding {
		return ErrNotActive
	}

	s.doc.Apply(op)
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}
	return s.rooms.Publish(ctx, room.Event{
		Type:    room.EventOp,
		Room:    s.roomID,
		Actor:   s.userID,
		Payload: payload,
	})
}

// RequestEnd performs the end-of-meeting orchestration. Only the host may
// call it; on any failure after the local gate the session resolves back to
// ACTIVE and the error is returned.
func (s *Session) RequestEnd(ctx context.Context) (int64, error) {
	if !s.isHost {
		// Advisory local gate; the backend enforces the same rule.
		return 0, store.ErrNotHost
	}

	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		if state == StateEnded {
			return s.NoteID(), nil
		}
		return 0, ErrNotActive
	}
	s.state = StateEnding
	ack := make(chan struct{})
	s.flushAck = ack
	s.mu.Unlock()

	content := s.flush(ctx)

	if err := s.waitSettle(ctx, ack); err != nil {
		if !errors.Is(err, ErrPropagationTimeout) {
			s.revertToActive()
			return 0, err
		}
		log.Printf("live: %v meeting=%d, proceeding", err, s.meetingID)
	}

	noteID, err := s.backend.EndSession(ctx, s.meetingID, s.userID, content)
	if err != nil {
		s.revertToActive()
		return 0, err
	}

	// Broadcast strictly after the authoritative end succeeded.
	payload, _ := json.Marshal(map[string]int64{"noteId": noteID})
	if err := s.rooms.Publish(ctx, room.Event{
		Type:    room.EventSessionEnded,
		Room:    s.roomID,
		Actor:   s.userID,
		Payload: payload,
	}); err != nil {
		// The meeting is ended regardless; laggards converge via the poll.
		log.Printf("live: session_ended broadcast failed meeting=%d err=%v", s.meetingID, err)
	}

	s.finish(noteID)
	return noteID, nil
}

// RequestLeave detaches a non-terminal session. Leaving an ended session is
// a no-op.
func (s *Session) RequestLeave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateEnded, StateLeft:
		s.mu.Unlock()
		return nil
	case StateEnding:
		s.mu.Unlock()
		return ErrNotActive
	}
	s.state = StateLeft
	s.mu.Unlock()

	s.stop()
	return nil
}

// Close releases the session's room subscription without a state change.
func (s *Session) Close() {
	s.stop()
}

// flush writes the replica snapshot to the meeting's room storage key and
// returns the serialized tree. Flush failures degrade to an empty snapshot;
// the authoritative end still proceeds.
func (s *Session) flush(ctx context.Context) json.RawMessage {
	tree := s.doc.Snapshot()
	content, err := json.Marshal(tree)
	if err != nil {
		log.Printf("live: snapshot marshal failed meeting=%d err=%v", s.meetingID, err)
		return nil
	}
	if err := s.snapshots.Save(ctx, cache.Snapshot{
		MeetingID:    s.meetingID,
		Title:        s.title,
		DocumentTree: content,
		Status:       store.StatusOngoing,
	}); err != nil {
		log.Printf("live: snapshot flush failed meeting=%d err=%v", s.meetingID, err)
	}
	return content
}

// waitSettle gives in-flight operations a bounded window to drain. Early
// completion happens when the flush marker round-trips through the room,
// which proves the broadcast path caught up.
func (s *Session) waitSettle(ctx context.Context, ack chan struct{}) error {
	marker, _ := json.Marshal(map[string]bool{"flush": true})
	if err := s.rooms.Publish(ctx, room.Event{
		Type:    room.EventPresence,
		Room:    s.roomID,
		Actor:   s.userID,
		Payload: marker,
	}); err != nil {
		log.Printf("live: flush marker publish failed meeting=%d err=%v", s.meetingID, err)
	}

	timer := time.NewTimer(s.settleDelay)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		return ErrPropagationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) revertToActive() {
	s.mu.Lock()
	if s.state == StateEnding {
		s.state = StateActive
	}
	s.flushAck = nil
	s.mu.Unlock()
}

// finish is the single idempotent termination transition. Both the broadcast
// listener and the status poll land here; only the first call does work.
func (s *Session) finish(noteID int64) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateLeft {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.noteID = noteID
	fetch := !s.summaryFetched && noteID != 0
	s.summaryFetched = true
	s.mu.Unlock()

	if fetch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		summary, err := s.backend.Summary(ctx, noteID)
		if err != nil {
			log.Printf("live: summary fetch failed note=%d err=%v", noteID, err)
		} else {
			s.mu.Lock()
			s.summary = summary
			s.mu.Unlock()
		}
	}

	s.stop()
}

// listen is the fast path: room events feed remote ops and termination.
func (s *Session) listen(events chan room.Event) {
	for {
		select {
		case <-s.stopped:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev room.Event) {
	switch ev.Type {
	case room.EventOp:
		if ev.Actor == s.userID {
			return
		}
		var op collab.Op
		if err := json.Unmarshal(ev.Payload, &op); err != nil {
			log.Printf("live: malformed op event room=%s err=%v", s.roomID, err)
			return
		}
		s.doc.Apply(op)

	case room.EventPresence:
		if ev.Actor != s.userID {
			return
		}
		var marker struct {
			Flush bool `json:"flush"`
		}
		if json.Unmarshal(ev.Payload, &marker) == nil && marker.Flush {
			s.mu.Lock()
			ack := s.flushAck
			s.flushAck = nil
			s.mu.Unlock()
			if ack != nil {
				close(ack)
			}
		}

	case room.EventSessionEnded:
		var body struct {
			NoteID int64 `json:"noteId"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			log.Printf("live: malformed session_ended event room=%s err=%v", s.roomID, err)
			return
		}
		s.finish(body.NoteID)
	}
}

// poll is the slow path: it survives missed broadcasts and stops at any
// terminal state.
func (s *Session) poll() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			status, noteID, err := s.backend.Status(ctx, s.meetingID)
			cancel()
			if err != nil {
				log.Printf("live: status poll failed meeting=%d err=%v", s.meetingID, err)
				continue
			}
			if status == store.StatusEnded {
				s.finish(noteID)
				return
			}
		}
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		events := s.events
		s.events = nil
		s.mu.Unlock()
		if events != nil {
			s.rooms.Unsubscribe(s.roomID, events)
		}
	})
}
