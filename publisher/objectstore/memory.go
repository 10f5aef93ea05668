package objectstore

import (
	"context"
	"sync"
)

var _ ObjectStore = (*Memory)(nil)

// Object is a stored document with its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory is an in-memory object store for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	puts    int
}

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) PutObject(ctx context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[path] = Object{Data: stored, ContentType: contentType}
	m.puts++
	return nil
}

// Get returns a stored object and whether it exists.
func (m *Memory) Get(path string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[path]
	return obj, ok
}

// PutCount reports how many writes have been performed.
func (m *Memory) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
