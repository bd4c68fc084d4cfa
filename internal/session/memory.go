package session

import (
	"context"
	"sync"
)

// MemoryStore keeps session state in process. It is the default store and
// the one integration tests run against.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]*State
	insights map[string][]MemoryInsight
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]*State),
		insights: make(map[string][]MemoryInsight),
	}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[sessionID]; ok {
		return st.Clone(), nil
	}
	return &State{SessionID: sessionID}, nil
}

func (m *MemoryStore) Save(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SessionID] = state.Clone()
	return nil
}

func (m *MemoryStore) Insights(_ context.Context, sessionID string) ([]MemoryInsight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.insights[sessionID]
	out := make([]MemoryInsight, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryStore) AddInsights(_ context.Context, sessionID string, insights []MemoryInsight) error {
	if len(insights) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights[sessionID] = append(m.insights[sessionID], insights...)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
