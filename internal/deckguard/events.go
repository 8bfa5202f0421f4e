package deckguard

import (
	"sync"
	"time"
)

const (
	EventSessionOpened  = "session.opened"
	EventSessionSaved   = "session.saved"
	EventSessionClosed  = "session.closed"
	EventSessionAborted = "session.aborted"
)

// Event is a session lifecycle notification.
type Event struct {
	Seq         uint64    `json:"seq"`
	Type        string    `json:"type"`
	Path        string    `json:"path"`
	Status      string    `json:"status,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Changes     int       `json:"changes,omitempty"`
	Time        time.Time `json:"time"`
}

type EventSink interface {
	Publish(Event)
}

// EventHub fans events out to subscribers. A subscriber that falls behind
// loses events instead of blocking publishers.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[int]chan Event
	nextID  int
	dropped uint64
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[int]chan Event{}}
}

func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev.Seq = h.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a subscriber with the given buffer. cancel closes the
// channel and is safe to call more than once.
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *EventHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
