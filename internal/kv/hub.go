package kv

import (
	"sort"
	"sync"
)

// Hub fans change notifications out to subscribed listeners. Backends embed a
// Hub to implement Subscribe. Listeners run synchronously on the goroutine
// that completed the write, in subscription order, and must not block.
type Hub struct {
	mu        sync.Mutex
	next      int
	listeners map[int]Listener
}

// Subscribe registers fn and returns a function that unregisters it.
func (h *Hub) Subscribe(fn Listener) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[int]Listener)
	}

	id := h.next
	h.next++
	h.listeners[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.listeners, id)
	}
}

// Notify delivers changes to every listener. Empty change sets are dropped.
func (h *Hub) Notify(changes map[string]Change, area Area) {
	if len(changes) == 0 {
		return
	}

	h.mu.Lock()
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(changes, area)
	}
}
