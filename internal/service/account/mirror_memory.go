package account

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryMirror backs deployments without Redis. Same semantics, process local.
type MemoryMirror struct {
	mu   sync.RWMutex
	keys map[uuid.UUID][]string
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{keys: make(map[uuid.UUID][]string)}
}

func (m *MemoryMirror) Put(_ context.Context, accountID uuid.UUID, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[accountID] = append([]string(nil), keys...)

	return nil
}

func (m *MemoryMirror) Get(_ context.Context, accountID uuid.UUID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, ok := m.keys[accountID]
	if !ok {
		return nil, ErrMirrorMiss
	}

	return append([]string(nil), keys...), nil
}

func (m *MemoryMirror) Invalidate(_ context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, accountID)

	return nil
}
