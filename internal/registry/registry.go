// Package registry tracks which local session ids are bound to which
// identities on this instance. Cross-instance lookup goes through the
// presence store and pub/sub, never through the registry.
package registry

import "sync"

// Emitter delivers a single named event to one live session's transport.
type Emitter interface {
	Emit(event string, data any) error
}

// Registry is the per-instance session table. It is the single source of
// truth for "which local session corresponds to which identity here".
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*entry
	byIdentity map[string]map[string]Emitter
}

type entry struct {
	identity string
	em       Emitter
}

func New() *Registry {
	return &Registry{
		byID:       make(map[string]*entry),
		byIdentity: make(map[string]map[string]Emitter),
	}
}

// Bind associates a session with an identity. Rebinding an existing session
// moves it to the new identity.
func (r *Registry) Bind(sessionID, identity string, em Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[sessionID]; ok {
		r.removeFromIdentityLocked(prev.identity, sessionID)
	}
	r.byID[sessionID] = &entry{identity: identity, em: em}
	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[string]Emitter)
		r.byIdentity[identity] = set
	}
	set[sessionID] = em
}

// Unbind removes the session and reports the identity it was bound to.
// Idempotent: unbinding an unknown session returns ok=false.
func (r *Registry) Unbind(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return "", false
	}
	delete(r.byID, sessionID)
	r.removeFromIdentityLocked(e.identity, sessionID)
	return e.identity, true
}

func (r *Registry) removeFromIdentityLocked(identity, sessionID string) {
	if set, ok := r.byIdentity[identity]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byIdentity, identity)
		}
	}
}

func (r *Registry) IdentityOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return "", false
	}
	return e.identity, true
}

func (r *Registry) EmitterOf(sessionID string) (Emitter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return e.em, true
}

// SessionsOf returns a snapshot of the identity's local sessions.
func (r *Registry) SessionsOf(identity string) map[string]Emitter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byIdentity[identity]
	if !ok {
		return nil
	}
	out := make(map[string]Emitter, len(set))
	for id, em := range set {
		out[id] = em
	}
	return out
}

// HasIdentity reports whether any local session is bound to the identity.
func (r *Registry) HasIdentity(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}
