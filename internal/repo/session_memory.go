package repo

import (
	"context"
	"sync"

	"github.com/nextseek-chat/server/internal/agent/model"
)

// MemorySessionStore is the process-local store used when no Redis URL is
// configured. Entries never expire.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]model.ConversationState
	uploads  map[string]model.FileData
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: map[string]model.ConversationState{},
		uploads:  map[string]model.FileData{},
	}
}

func (m *MemorySessionStore) Get(_ context.Context, sessionID string) (*model.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	state.AvailableWorkers = model.CloneWorkers(state.AvailableWorkers)
	return &state, nil
}

func (m *MemorySessionStore) Put(_ context.Context, sessionID string, state *model.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	cp.AvailableWorkers = model.CloneWorkers(state.AvailableWorkers)
	m.sessions[sessionID] = cp
	return nil
}

func (m *MemorySessionStore) PutFile(_ context.Context, sessionID string, file model.FileData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[sessionID] = file
	return nil
}

func (m *MemorySessionStore) TakeFile(_ context.Context, sessionID string) (*model.FileData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.uploads[sessionID]
	if !ok {
		return nil, nil
	}
	delete(m.uploads, sessionID)
	return &file, nil
}

var _ model.SessionStore = (*MemorySessionStore)(nil)
