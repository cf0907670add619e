package progress

import (
	"sync"
	"sync/atomic"

	"github.com/crewline/bootstage/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds the delivery channel for a single subscriber.
type subscriber struct {
	ch chan schema.InitializationProgress
}

// Hub broadcasts progress snapshots to any number of independent
// subscribers. Publishing is non-blocking: a slow subscriber with a full
// channel drops the snapshot. Late subscribers immediately receive the most
// recent snapshot, when one exists.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	last   *schema.InitializationProgress
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish sends a snapshot to all subscribers and records it as the most
// recent value. No-op after Close.
func (h *Hub) Publish(p schema.InitializationProgress) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last = &p
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- p:
		default:
			// backpressure: drop snapshot for slow subscriber
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The most recent snapshot, if any, is delivered first.
func (h *Hub) Subscribe() (<-chan schema.InitializationProgress, func()) {
	id := h.seq.Add(1)
	ch := make(chan schema.InitializationProgress, defaultChannelBuffer)

	h.mu.Lock()
	if h.last != nil {
		ch <- *h.last
	}
	if !h.closed {
		h.subs[id] = &subscriber{ch: ch}
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Last returns the most recently published snapshot.
func (h *Hub) Last() (schema.InitializationProgress, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return schema.InitializationProgress{}, false
	}
	return *h.last, true
}

// Close stops further publication and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
