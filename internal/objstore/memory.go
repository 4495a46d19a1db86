package objstore

import (
	"context"
	"sync"

	"checkpoint/internal/domain"
)

// Memory keeps artifacts in a map for tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(_ context.Context, path, _ string, data []byte) (domain.ArtifactFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[path] = buf
	return domain.ArtifactFile{URL: "memory://" + path, Path: path}, nil
}

// Object returns the stored bytes for path, if present.
func (m *Memory) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
