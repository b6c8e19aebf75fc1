// Package events keeps a bounded, sequenced history of stream state changes
// and fans them out to websocket subscribers.
package events

import (
	"sync"
	"time"
)

const (
	// DefaultHistory is the number of events kept for late subscribers.
	DefaultHistory = 256
	// DefaultSubscriberBuffer bounds how far one subscriber may lag.
	DefaultSubscriberBuffer = 64
)

// Event describes one stream state transition.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	StreamID  string    `json:"streamId"`
	CameraID  string    `json:"cameraId,omitempty"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Hub stores recent events and delivers new ones to subscribers. Publish
// never blocks: a subscriber whose buffer is full is disconnected.
type Hub struct {
	mu        sync.Mutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[*subscriber]struct{}
}

// NewHub creates a hub keeping at most maxEvents events of history.
func NewHub(maxEvents int) *Hub {
	if maxEvents <= 0 {
		maxEvents = DefaultHistory
	}
	return &Hub{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Publish assigns a sequence number and timestamp, records the event and
// hands it to every subscriber.
func (h *Hub) Publish(event Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event.Seq = h.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.events = append(h.events, event)
	if len(h.events) > h.maxEvents {
		trim := len(h.events) - h.maxEvents
		h.events = append([]Event(nil), h.events[trim:]...)
	}

	for sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			h.dropLocked(sub)
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (h *Hub) Since(seq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(seq)
}

func (h *Hub) sinceLocked(seq int64) []Event {
	if len(h.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(h.events))
	for _, e := range h.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns the backlog after since and a channel of later events.
// The channel is closed when cancel is called or the subscriber falls more
// than buffer events behind.
func (h *Hub) Subscribe(since int64, buffer int) (backlog []Event, ch <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	h.mu.Lock()
	backlog = h.sinceLocked(since)
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			h.dropLocked(sub)
			h.mu.Unlock()
		})
	}
	return backlog, sub.ch, cancel
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) dropLocked(sub *subscriber) {
	delete(h.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
