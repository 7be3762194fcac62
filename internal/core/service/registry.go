package service

import (
	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
)

// Registry maps a user to its single reachable connection.
// It is not safe for concurrent use; the Router serializes access.
type Registry struct {
	clients map[domain.UserID]port.Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[domain.UserID]port.Client),
	}
}

// Register binds c to its user and returns the connection it evicted, if any.
func (r *Registry) Register(c port.Client) (evicted port.Client) {
	id := c.Identity().ID
	if old, ok := r.clients[id]; ok && old.ID() != c.ID() {
		evicted = old
	}
	r.clients[id] = c
	return evicted
}

// Unregister removes the binding only if it still points at c.
func (r *Registry) Unregister(c port.Client) bool {
	id := c.Identity().ID
	cur, ok := r.clients[id]
	if !ok || cur.ID() != c.ID() {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) Lookup(id domain.UserID) (port.Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) Len() int {
	return len(r.clients)
}

// Drain empties the registry and returns every connection it held.
func (r *Registry) Drain() []port.Client {
	out := make([]port.Client, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, c)
		delete(r.clients, id)
	}
	return out
}
