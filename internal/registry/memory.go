package registry

import (
	"context"
	"sync"
)

// Memory is the in-process Registry implementation.
type Memory struct {
	mu   sync.RWMutex
	tags map[string]string
	txns map[int64]string
}

// NewMemory returns an initialized in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		tags: make(map[string]string),
		txns: make(map[int64]string),
	}
}

// RegisterTag stores tag -> userID.
func (m *Memory) RegisterTag(_ context.Context, tag, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[NormalizeTag(tag)] = userID
	return nil
}

// ResolveTag returns the user bound to a tag.
func (m *Memory) ResolveTag(_ context.Context, tag string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.tags[NormalizeTag(tag)]
	return userID, ok, nil
}

// UnregisterTag removes a tag binding.
func (m *Memory) UnregisterTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags, NormalizeTag(tag))
	return nil
}

// BindTransaction stores transactionID -> sessionID.
func (m *Memory) BindTransaction(_ context.Context, transactionID int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[transactionID] = sessionID
	return nil
}

// ResolveTransaction returns the session bound to a transaction.
func (m *Memory) ResolveTransaction(_ context.Context, transactionID int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.txns[transactionID]
	return sessionID, ok, nil
}

// UnbindTransaction removes a transaction binding.
func (m *Memory) UnbindTransaction(_ context.Context, transactionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, transactionID)
	return nil
}
