package relay

// Store is the backing map for the Registry. It does no locking of its own;
// the Registry serialises every call. The only implementation is in-memory:
// sessions are lost on restart.
type Store interface {
	GetSession(id string) (*StreamSession, bool)
	SetSession(s *StreamSession)
	DeleteSession(id string)
	ListSessionIDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[string]*StreamSession
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*StreamSession),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id string) (*StreamSession, bool) {
	st, ok := s.sessions[id]
	return st, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(st *StreamSession) {
	s.sessions[st.StreamID] = st
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id string) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemoryStore) ListSessionIDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
