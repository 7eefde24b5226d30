package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"secupoints/core"
)

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(core.Event) bool

// ForUser accepts events about one user plus global events (exclusions).
func ForUser(user core.UserID) Filter {
	return func(ev core.Event) bool {
		return ev.UserID == "" || ev.UserID == user
	}
}

// ForTypes accepts only the listed event types.
func ForTypes(types ...core.EventType) Filter {
	set := make(map[core.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev core.Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

type subscriber struct {
	ch     chan core.Event
	filter Filter
}

// Hub fans engine events out to buffered channels. Slow subscribers lose
// events rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

func (h *Hub) Subscribe(buffer int) (int, <-chan core.Event) {
	return h.SubscribeFiltered(buffer, nil)
}

// SubscribeFiltered is Subscribe restricted to events accepted by filter.
func (h *Hub) SubscribeFiltered(buffer int, filter Filter) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, filter: filter}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a subscriber's buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Source is anything that can deliver every engine event to a handler,
// such as the engine's event bus.
type Source interface {
	SubscribeAll(func(context.Context, core.Event)) func()
}

// Attach forwards every event from src to the hub. The returned func detaches.
func (h *Hub) Attach(src Source) func() {
	return src.SubscribeAll(h.Broadcast)
}

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
