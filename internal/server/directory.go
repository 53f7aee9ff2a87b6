// Package server contains the internal tunnel server implementation for chara.
package server

import (
	"sync"

	"github.com/gravitational/trace"

	"github.com/charahq/chara/pkg/subdomain"
)

// Directory maps subdomains to the live sessions serving them.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDirectory returns an empty session directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*Session)}
}

// Register picks a subdomain for the session, preferring the requested one,
// and claims it. It returns the chosen name and whether the request was
// honored. The allocate-and-claim step is atomic, so two agents asking for
// the same name at once cannot both win it.
func (d *Directory) Register(requested string, s *Session) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, honored := subdomain.Allocate(requested, func(candidate string) bool {
		_, taken := d.sessions[candidate]
		return taken
	})
	d.sessions[name] = s
	s.subdomain = name
	return name, honored
}

// Unregister releases the subdomain, but only if it is still held by the
// given session. A crashed session must not evict the session that
// reclaimed its name.
func (d *Directory) Unregister(name string, s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.sessions[name]; ok && current == s {
		delete(d.sessions, name)
	}
}

// Get returns the session serving the given subdomain.
func (d *Directory) Get(name string) (*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[name]
	if !ok {
		return nil, trace.NotFound("no tunnel for subdomain %q", name)
	}
	return s, nil
}

// Count returns the number of connected sessions.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// ForEach calls fn for every registered session until it returns false.
// The snapshot is taken under the lock; fn runs outside it.
func (d *Directory) ForEach(fn func(name string, s *Session) bool) {
	d.mu.RLock()
	type entry struct {
		name    string
		session *Session
	}
	snapshot := make([]entry, 0, len(d.sessions))
	for name, s := range d.sessions {
		snapshot = append(snapshot, entry{name, s})
	}
	d.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e.name, e.session) {
			return
		}
	}
}

// CloseAll terminates every session.
func (d *Directory) CloseAll() {
	d.ForEach(func(_ string, s *Session) bool {
		s.Close()
		return true
	})
}
