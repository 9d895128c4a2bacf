package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than stalling publishers.
type Hub struct {
	now func() time.Time

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Int64
}

// NewHub returns an empty hub stamping events with now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{now: now, subs: map[int]chan Event{}}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
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

// Dropped reports how many events were discarded for full subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) NotifyUnlock(_ context.Context, u Unlock) error {
	h.publish(Event{Kind: KindUnlock, At: h.now(), Unlock: &u})
	return nil
}

func (h *Hub) NotifyDelivered(_ context.Context, c Completion) error {
	h.publish(Event{Kind: KindDelivered, At: h.now(), Completion: &c})
	return nil
}
