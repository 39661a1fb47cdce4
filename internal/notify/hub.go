// Package notify fans chat events out to in-process subscribers
// (the SSE bridge and any presentation-layer listeners).
package notify

import (
	"log"
	"sync"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Tenant  string `json:"tenant"`
	Name    string `json:"name"` // e.g. "message.new", "chat.updated", "channel.qr"
	Payload any    `json:"payload"`
}

// Hub is an in-process publish/subscribe fan-out keyed by tenant.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	tenant string // empty subscribes to all tenants
	ch     chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener for a tenant's events. An empty tenant
// receives every tenant's events. The returned cancel func must be called
// to release the subscription; it closes the channel.
func (h *Hub) Subscribe(tenant string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{tenant: tenant, ch: make(chan Event, 64)}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to matching subscribers. Slow subscribers with
// full buffers are skipped rather than blocking the caller.
func (h *Hub) Publish(tenant, name string, payload any) {
	ev := Event{Tenant: tenant, Name: name, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.tenant != "" && sub.tenant != tenant {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("notify: dropping %s event for slow subscriber", name)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
