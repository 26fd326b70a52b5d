package session

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Sessions are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	history  map[string][]Entry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		history:  make(map[string][]Entry),
	}
}

// Create implements [Store.Create].
func (m *MemStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.MessageCount = 0
	m.sessions[s.ID] = s
	m.history[s.ID] = nil
	return nil
}

// Get implements [Store.Get].
func (m *MemStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	s.MessageCount = len(m.history[id])
	return s, nil
}

// List implements [Store.List].
func (m *MemStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.MessageCount = len(m.history[id])
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Update implements [Store.Update].
func (m *MemStore) Update(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Title = s.Title
	cur.RetrievalEnabled = s.RetrievalEnabled
	cur.UpdatedAt = s.UpdatedAt
	m.sessions[s.ID] = cur
	return nil
}

// Delete implements [Store.Delete].
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.history, id)
	return nil
}

// Append implements [Store.Append].
func (m *MemStore) Append(_ context.Context, id string, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if len(entries) == 0 {
		return nil
	}
	m.history[id] = append(m.history[id], entries...)
	s.UpdatedAt = entries[len(entries)-1].CreatedAt
	m.sessions[id] = s
	return nil
}

// History implements [Store.History].
func (m *MemStore) History(_ context.Context, id string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	h := m.history[id]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h), nil
}
