package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the concurrency-safe map from stream id to session. It is the
// single source of truth for whether a stream is running. Reads return
// copies; writes go through Insert, Update and Remove.
type Registry struct {
	mu    sync.RWMutex
	store Store
}

// NewRegistry constructs a registry over a fresh in-memory store.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// Insert adds a session. A session already present under the same id in an
// active state yields ErrDuplicateStream; a terminal one is replaced.
func (r *Registry) Insert(s StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.store.GetSession(s.StreamID); ok && !existing.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateStream, s.StreamID, existing.State)
	}
	r.store.SetSession(&s)
	return nil
}

// Get returns a copy of the session stored under id.
func (r *Registry) Get(id string) (StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.store.GetSession(id)
	if !ok {
		return StreamSession{}, fmt.Errorf("%w: stream %s", ErrNotFound, id)
	}
	return *s, nil
}

// Update applies mutate to the stored session atomically and returns the
// result. If mutate returns an error nothing is written.
func (r *Registry) Update(id string, mutate func(s *StreamSession) error) (StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.store.GetSession(id)
	if !ok {
		return StreamSession{}, fmt.Errorf("%w: stream %s", ErrNotFound, id)
	}
	next := *s
	if err := mutate(&next); err != nil {
		return *s, err
	}
	next.StreamID = s.StreamID
	r.store.SetSession(&next)
	return next, nil
}

// Remove deletes the session stored under id. Removing a missing id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteSession(id)
}

// ListActive returns the sessions in starting, running or stopping state,
// oldest first.
func (r *Registry) ListActive() []StreamSession {
	return r.list(func(s *StreamSession) bool { return s.State.Active() })
}

// List returns every session, oldest first.
func (r *Registry) List() []StreamSession {
	return r.list(func(*StreamSession) bool { return true })
}

// ActiveCount returns the number of active sessions. Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if s, ok := r.store.GetSession(id); ok && s.State.Active() {
			n++
		}
	}
	return n
}

// Reap removes terminal sessions that ended before cutoff and returns them.
func (r *Registry) Reap(cutoff time.Time) []StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []StreamSession
	for _, id := range r.store.ListSessionIDs() {
		s, ok := r.store.GetSession(id)
		if !ok || !s.State.Terminal() || !s.EndedAt.Before(cutoff) {
			continue
		}
		reaped = append(reaped, *s)
		r.store.DeleteSession(id)
	}
	return reaped
}

func (r *Registry) list(keep func(*StreamSession) bool) []StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamSession, 0)
	for _, id := range r.store.ListSessionIDs() {
		if s, ok := r.store.GetSession(id); ok && keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
