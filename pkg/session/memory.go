package session

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used in tests and single-node
// deployments. All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]*State
	notifs  map[string][]Notification
	updates map[string][]TaskUpdate
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]*State),
		notifs:  make(map[string][]Notification),
		updates: make(map[string][]TaskUpdate),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, st *State, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if cur, ok := m.states[st.ID]; ok {
		current = cur.Version
	}
	if current != expectedVersion {
		return ErrConflict
	}

	st.Version = expectedVersion + 1
	m.states[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) ForcePut(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if cur, ok := m.states[st.ID]; ok {
		current = cur.Version
	}
	st.Version = current + 1
	m.states[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	delete(m.notifs, id)
	delete(m.updates, id)
	return nil
}

func (m *MemoryStore) AppendNotification(_ context.Context, id string, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs[id] = append(m.notifs[id], n)
	return nil
}

func (m *MemoryStore) DrainNotifications(_ context.Context, id string) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.notifs[id]
	delete(m.notifs, id)
	return out, nil
}

func (m *MemoryStore) AppendTaskUpdate(_ context.Context, id string, u TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = append(m.updates[id], u)
	return nil
}

func (m *MemoryStore) DrainTaskUpdates(_ context.Context, id string) ([]TaskUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.updates[id]
	delete(m.updates, id)
	return out, nil
}
