package state

import (
	"context"
	"encoding/json"
	"sync"
)

// Storage persists JSON documents by key.
type Storage interface {
	// Read returns the documents that exist for keys. Missing keys are
	// absent from the result.
	Read(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Write(ctx context.Context, changes map[string]json.RawMessage) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStorage is a process-local Storage.
type MemoryStorage struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: make(map[string][]byte)}
}

func (m *MemoryStorage) Read(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if doc, ok := m.docs[k]; ok {
			out[k] = append(json.RawMessage(nil), doc...)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Write(_ context.Context, changes map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range changes {
		m.docs[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.docs, k)
	}
	return nil
}

// Len returns the number of stored documents.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
