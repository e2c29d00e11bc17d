package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/incident-connector/model"
)

// DefaultSubscriberBuffer is the per-subscriber queue length used when a
// subscriber asks for a non-positive buffer.
const DefaultSubscriberBuffer = 256

// Hub fans entity items out to any number of subscribers. Publish never
// blocks: an item is dropped for a subscriber whose buffer is full.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan model.EntityItem
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan model.EntityItem)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters
// it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan model.EntityItem, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan model.EntityItem, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers item to every subscriber that has room.
func (h *Hub) Publish(item model.EntityItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- item:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of deliveries skipped on full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later subscribers get a closed
// channel straight away.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
