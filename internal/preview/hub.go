// Package preview serves rendered frames to browsers and tools: JPEG
// snapshots and a websocket stream that also carries keyboard and pointer
// input back to the compositor.
package preview

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mPyKen/Caman/internal/compositor"
)

// idleThreshold marks a client that has not consumed a frame for a while.
const idleThreshold = 30 * time.Second

// slot is a single-frame mailbox. A publish overwrites an unconsumed frame
// and counts it as dropped, so a slow client always gets the newest frame
// and never slows the render loop.
type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *compositor.Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// Hub fans rendered frames out to subscribed clients. It implements
// compositor.Publisher.
type Hub struct {
	slots     sync.Map // id -> *slot
	stopping  atomic.Bool
	published atomic.Uint64
}

var _ compositor.Publisher = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{} }

// Publish hands f to every client without blocking.
func (h *Hub) Publish(f *compositor.Frame) {
	if h.stopping.Load() {
		return
	}
	h.published.Add(1)
	h.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if !s.closed {
			if s.frame != nil {
				s.consecutiveDrops++
				s.totalDrops++
			}
			s.frame = f
			s.cond.Signal()
		}
		s.mu.Unlock()
		return true
	})
}

// Subscribe registers a client and returns its blocking read function. The
// read function returns nil once the client is unsubscribed or the hub
// stops. It must be called from a single goroutine.
func (h *Hub) Subscribe(id string) func() *compositor.Frame {
	if h.stopping.Load() {
		return func() *compositor.Frame { return nil }
	}

	s := &slot{lastConsumedAt: time.Now()}
	s.cond = sync.NewCond(&s.mu)
	h.slots.Store(id, s)

	return func() *compositor.Frame {
		s.mu.Lock()
		defer s.mu.Unlock()
		for s.frame == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil
		}
		f := s.frame
		s.frame = nil
		s.lastConsumedAt = time.Now()
		s.lastConsumedSeq = f.Seq
		s.consecutiveDrops = 0
		return f
	}
}

// Unsubscribe wakes the client's read function with nil. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	v, ok := h.slots.LoadAndDelete(id)
	if !ok {
		return
	}
	closeSlot(v.(*slot))
}

// Stop unsubscribes every client and rejects new ones.
func (h *Hub) Stop() {
	h.stopping.Store(true)
	h.slots.Range(func(k, v any) bool {
		closeSlot(v.(*slot))
		h.slots.Delete(k)
		return true
	})
}

func closeSlot(s *slot) {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ClientStats describes one subscriber.
type ClientStats struct {
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	LastConsumedSeq  uint64    `json:"last_consumed_seq"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
	Idle             bool      `json:"idle"`
}

// HubStats is a snapshot of the hub.
type HubStats struct {
	Published uint64                 `json:"published"`
	Clients   map[string]ClientStats `json:"clients"`
}

// Stats returns a snapshot of every client.
func (h *Hub) Stats() HubStats {
	clients := make(map[string]ClientStats)
	h.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		clients[k.(string)] = ClientStats{
			LastConsumedAt:   s.lastConsumedAt,
			LastConsumedSeq:  s.lastConsumedSeq,
			ConsecutiveDrops: s.consecutiveDrops,
			TotalDrops:       s.totalDrops,
			Idle:             time.Since(s.lastConsumedAt) > idleThreshold,
		}
		s.mu.Unlock()
		return true
	})
	return HubStats{Published: h.published.Load(), Clients: clients}
}
