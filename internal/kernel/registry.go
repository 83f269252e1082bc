package kernel

import (
	"sort"
	"sync"
)

// registryEntry pairs a live session with the configuration it was created
// for. The descriptor is kept verbatim so later requests can be compared
// against exactly what produced the session.
type registryEntry struct {
	descriptor Descriptor
	session    *Session
}

// sessionRegistry indexes live sessions by target, at most one per target.
type sessionRegistry struct {
	mu      sync.RWMutex
	entries map[TargetID]registryEntry
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{entries: make(map[TargetID]registryEntry)}
}

func (r *sessionRegistry) Lookup(target TargetID) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[target]
	return entry, ok
}

// Put installs the session for target, displacing any previous entry.
func (r *sessionRegistry) Put(target TargetID, descriptor Descriptor, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[target] = registryEntry{descriptor: descriptor, session: session}
}

func (r *sessionRegistry) Remove(target TargetID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[target]
	delete(r.entries, target)
	return ok
}

// RemoveIf removes the entry for target only while it still holds the given
// session. A removal racing against a replacement is a no-op: the successor
// entry stays untouched.
func (r *sessionRegistry) RemoveIf(target TargetID, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[target]
	if !ok || entry.session != session {
		return false
	}
	delete(r.entries, target)
	return true
}

func (r *sessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Sessions returns the registered sessions ordered by target.
func (r *sessionRegistry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]TargetID, 0, len(r.entries))
	for target := range r.entries {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	sessions := make([]*Session, 0, len(targets))
	for _, target := range targets {
		sessions = append(sessions, r.entries[target].session)
	}
	return sessions
}
