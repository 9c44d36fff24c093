package presence

import (
	"sort"
	"sync"
)

// EventRoster is pushed to every attached connection whenever the set of
// registered identities changes.
const EventRoster = "presence_roster"

// Conn is a live connection handle as seen by the registry.
type Conn interface {
	ID() string
	// Push queues an event for the connection without blocking. It reports
	// false when the event could not be queued (closed or saturated).
	Push(event string, payload any) bool
}

// Registry maps user identities to their single live connection.
// A later Register for the same identity supersedes the earlier handle.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Conn   // handle id -> conn, every attached connection
	byIdentity map[string]Conn   // identity -> conn
	identityOf map[string]string // handle id -> identity it currently owns
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		byIdentity: make(map[string]Conn),
		identityOf: make(map[string]string),
	}
}

// Attach makes c a roster broadcast target and sends it the current roster.
// It has no identity yet.
func (r *Registry) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
	c.Push(EventRoster, r.rosterLocked())
}

// Register binds identity to c, overwriting any previous binding.
func (r *Registry) Register(identity string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	r.conns[id] = c
	if prev, ok := r.identityOf[id]; ok && prev != identity {
		if cur, ok := r.byIdentity[prev]; ok && cur.ID() == id {
			delete(r.byIdentity, prev)
		}
	}
	if old, ok := r.byIdentity[identity]; ok && old.ID() != id {
		delete(r.identityOf, old.ID())
	}
	r.byIdentity[identity] = c
	r.identityOf[id] = identity

	r.broadcastLocked()
}

// Unregister drops c and the identity it owns, if any. Calling it for a
// connection that never identified, or was superseded, only detaches it.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	delete(r.conns, id)
	identity, ok := r.identityOf[id]
	if !ok {
		return
	}
	delete(r.identityOf, id)
	if cur, ok := r.byIdentity[identity]; ok && cur.ID() == id {
		delete(r.byIdentity, identity)
		r.broadcastLocked()
	}
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentity[identity]
	return c, ok
}

// IdentityOf returns the identity currently bound to the handle.
func (r *Registry) IdentityOf(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identityOf[c.ID()]
	return identity, ok
}

func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

func (r *Registry) ListIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// Push delivers an event to identity's connection, if registered. The handle
// may be going away concurrently; that shows up as false, never a panic.
func (r *Registry) Push(identity, event string, payload any) bool {
	c, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	return c.Push(event, payload)
}

// Handles returns every attached connection, identified or not.
func (r *Registry) Handles() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) rosterLocked() []string {
	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// broadcastLocked runs under the write lock so that the last roster every
// connection receives reflects the latest registry state. Push never blocks.
func (r *Registry) broadcastLocked() {
	roster := r.rosterLocked()
	for _, c := range r.conns {
		c.Push(EventRoster, roster)
	}
}
