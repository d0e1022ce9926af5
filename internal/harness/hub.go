package harness

import (
	"sync/atomic"

	"txflow/internal/proxy"
)

// Hub connects in-process nodes. Every node owns an inbox; a broadcast
// offers the package to every other inbox without blocking, so a slow
// node loses packages instead of stalling its peers.
type Hub struct {
	inboxes []*proxy.Inbox
	dropped atomic.Uint64
}

// NewHub creates a hub for n nodes with inboxes of the given capacity.
func NewHub(n, capacity int) *Hub {
	h := &Hub{inboxes: make([]*proxy.Inbox, n)}
	for i := range h.inboxes {
		h.inboxes[i] = proxy.NewInbox(capacity)
	}
	return h
}

// Inbox returns node i's inbox.
func (h *Hub) Inbox(i int) *proxy.Inbox {
	return h.inboxes[i]
}

// Endpoint returns the broadcaster used by node i.
func (h *Hub) Endpoint(i int) *Endpoint {
	return &Endpoint{hub: h, index: i}
}

// Inject offers p to node i only.
func (h *Hub) Inject(i int, p *proxy.Package) bool {
	if !h.inboxes[i].Offer(p) {
		h.dropped.Add(1)
		return false
	}
	return true
}

// Dropped returns the number of packages lost to full inboxes.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every inbox; node loops drain and stop.
func (h *Hub) Close() {
	for _, in := range h.inboxes {
		in.Close()
	}
}

// Endpoint is one node's view of the hub.
type Endpoint struct {
	hub   *Hub
	index int
}

// Broadcast offers p to every other node. It implements node.Broadcaster.
func (e *Endpoint) Broadcast(p *proxy.Package) error {
	for j := range e.hub.inboxes {
		if j != e.index {
			e.hub.Inject(j, p)
		}
	}
	return nil
}
