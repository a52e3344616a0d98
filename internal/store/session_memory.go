package store

import (
	"context"
	"sync"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// MemorySessionStore keeps the session for the life of the process.
type MemorySessionStore struct {
	mu      sync.RWMutex
	session domain.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Load(context.Context) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, nil
}

func (m *MemorySessionStore) Save(_ context.Context, session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session
	return nil
}

func (m *MemorySessionStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = domain.Session{}
	return nil
}
