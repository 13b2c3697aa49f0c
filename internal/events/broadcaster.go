package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/playmill/playmill/internal/play"
)

// EventUpdated is the only outbound event kind: the full session state
// after a successful mutation. Broadcast is the only response a command
// gets.
const EventUpdated = "updated"

// Event is one broadcast message for a session's room.
type Event struct {
	Timestamp string        `json:"ts"`
	Type      string        `json:"event"`
	SessionID string        `json:"session_id"`
	Session   *play.Session `json:"session,omitempty"`
}

// Subscriber receives a session room's events. The channel is buffered so
// a slow client cannot block publishing; events to a full buffer are
// dropped for that subscriber only.
type Subscriber chan Event

const subscriberBuffer = 64

// Bridge forwards every published event to an external channel (MQTT).
type Bridge interface {
	Publish(topic string, payload []byte) error
}

// Broadcaster fans session state changes out to per-session rooms. Each
// room keeps a ring of recent events that is replayed to new subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	bridge Bridge
	log    zerolog.Logger

	total int64
}

type room struct {
	subscribers map[Subscriber]struct{}
	recent      *RingBuffer
}

const roomBufferSize = 64

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]*room),
		log:   log,
	}
}

// SetBridge attaches an external publisher. Every event is additionally
// published to topic "playmill/<session_id>/events".
func (b *Broadcaster) SetBridge(br Bridge) {
	b.mu.Lock()
	b.bridge = br
	b.mu.Unlock()
}

// Subscribe adds a subscriber to a session's room and returns its
// channel.
func (b *Broadcaster) Subscribe(sessionID string) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	r := b.roomLocked(sessionID)
	r.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	if r, ok := b.rooms[sessionID]; ok {
		if _, ok := r.subscribers[sub]; ok {
			delete(r.subscribers, sub)
			close(sub)
		}
	}
	b.mu.Unlock()
}

// roomLocked returns the session's room, creating it if needed. Caller
// holds b.mu.
func (b *Broadcaster) roomLocked(sessionID string) *room {
	r, ok := b.rooms[sessionID]
	if !ok {
		r = &room{
			subscribers: make(map[Subscriber]struct{}),
			recent:      NewRingBuffer(roomBufferSize),
		}
		b.rooms[sessionID] = r
	}
	return r
}

// SessionUpdated implements play.Notifier: broadcasts the full session
// state to every subscriber of that session's room.
func (b *Broadcaster) SessionUpdated(s *play.Session) {
	b.Publish(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      EventUpdated,
		SessionID: s.ID,
		Session:   s.Clone(),
	})
}

// Publish sends an event to the session's room. Non-blocking: slow
// subscribers lose events rather than stalling the engine.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	r := b.roomLocked(e.SessionID)
	r.recent.Add(e)
	b.total++
	bridge := b.bridge
	subs := make([]Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- e:
		default:
			// Buffer full, drop event for this slow subscriber
		}
	}

	if bridge != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			return
		}
		topic := "playmill/" + e.SessionID + "/events"
		if err := bridge.Publish(topic, payload); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("bridge publish failed")
		}
	}
}

// Recent returns the last n events for a session. n <= 0 or n larger
// than what is buffered returns everything available.
func (b *Broadcaster) Recent(sessionID string, n int) []Event {
	b.mu.RLock()
	r, ok := b.rooms[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	all := r.recent.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// SubscriberCount returns the number of subscribers across all rooms.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, r := range b.rooms {
		count += len(r.subscribers)
	}
	return count
}

// TotalCount returns the number of events published since startup.
func (b *Broadcaster) TotalCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Close closes every subscriber channel. Used during shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rooms {
		for sub := range r.subscribers {
			close(sub)
		}
		r.subscribers = make(map[Subscriber]struct{})
	}
}
