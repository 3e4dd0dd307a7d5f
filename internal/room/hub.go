package room

import (
	"context"
	"sync"
	"sync/atomic"
)

// broker fans events out to the subscribers of a single room.
//
// Concurrency model: one internal goroutine owns the subscriber set. Public
// methods talk to it through channels, so no mutex guards the set and a slow
// subscriber can never block a publisher.
type broker struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	broadcastCh   chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func newBroker() *broker {
	b := &broker{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		broadcastCh:   make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broker) run() {
	defer close(b.stopped)

	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case <-b.stopCh:
			for ch := range subscribers {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subscribers[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}

		case ev := <-b.broadcastCh:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default:
					// Subscriber buffer full; drop rather than stall
					// the room. Laggards reconcile from the snapshot.
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subscribers)
		}
	}
}

func (b *broker) subscribe() chan Event {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

func (b *broker) unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

func (b *broker) broadcast(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.broadcastCh <- ev:
	case <-b.stopped:
	}
}

func (b *broker) count() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

func (b *broker) close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Bus relays events between API instances. Publish pushes an event onto the
// shared transport; Run delivers every event published by any instance
// (including this one) until the context is canceled.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}

// Hub owns the brokers of all live rooms on this instance. With a Bus
// attached, published events round-trip through it so every instance sees
// them; without one, events are delivered locally.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*broker
	bus   Bus
}

// NewHub creates a hub. bus may be nil for single-instance deployments and
// tests.
func NewHub(bus Bus) *Hub {
	return &Hub{rooms: make(map[string]*broker), bus: bus}
}

// Run pumps bus deliveries into local brokers until ctx is canceled. It is a
// no-op without a bus.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Run(ctx, h.deliver)
}

// Publish sends an event to every subscriber of its room, on every instance.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if h.bus != nil {
		return h.bus.Publish(ctx, ev)
	}
	h.deliver(ev)
	return nil
}

// Subscribe attaches to a room, creating it on first use. The returned
// channel closes when the room or hub shuts down.
func (h *Hub) Subscribe(roomID string) chan Event {
	h.mu.Lock()
	b, ok := h.rooms[roomID]
	if !ok {
		b = newBroker()
		h.rooms[roomID] = b
	}
	h.mu.Unlock()
	return b.subscribe()
}

// Unsubscribe detaches a subscriber channel from its room.
func (h *Hub) Unsubscribe(roomID string, ch chan Event) {
	h.mu.Lock()
	b, ok := h.rooms[roomID]
	h.mu.Unlock()
	if ok {
		b.unsubscribe(ch)
	}
}

// Subscribers reports the number of local subscribers in a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	b, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return b.count()
}

// Close shuts down every room broker and the bus.
func (h *Hub) Close() error {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*broker)
	h.mu.Unlock()

	for _, b := range rooms {
		b.close()
	}
	if h.bus != nil {
		return h.bus.Close()
	}
	return nil
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	b, ok := h.rooms[ev.Room]
	h.mu.Unlock()
	if ok {
		// No subscribers on this instance is fine; the event simply has
		// no local audience.
		b.broadcast(ev)
	}
}
