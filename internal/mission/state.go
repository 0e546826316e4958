package mission

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fentz26/swarm/internal/models"
)

// ErrNoMission is returned for sessions without mission state.
var ErrNoMission = errors.New("no mission for session")

// StateStore persists mission state. Writes are last-writer-wins; no
// transactional guarantees are assumed.
type StateStore interface {
	Load(ctx context.Context, sessionID string) (models.MissionState, error)
	Save(ctx context.Context, state models.MissionState) error
	// Increment bumps the iteration counter and returns the new value.
	Increment(ctx context.Context, sessionID string) (int, error)
	Clear(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]models.MissionState, error)
}

// MemoryStore keeps mission state in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]models.MissionState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]models.MissionState)}
}

// Load returns the state of a session.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (models.MissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		return models.MissionState{}, ErrNoMission
	}
	return st, nil
}

// Save replaces the state of a session.
func (m *MemoryStore) Save(_ context.Context, state models.MissionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SessionID] = state
	return nil
}

// Increment bumps the iteration counter.
func (m *MemoryStore) Increment(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		return 0, ErrNoMission
	}
	st.Iteration++
	m.states[sessionID] = st
	return st.Iteration, nil
}

// Clear removes the state of a session.
func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

// List returns every state, oldest first.
func (m *MemoryStore) List(_ context.Context) ([]models.MissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MissionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
