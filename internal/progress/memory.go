package progress

import (
	"context"
	"sync"
)

// Memory implements Tracker in-process for tests and single-binary mode.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]Snapshot)}
}

var _ Tracker = (*Memory)(nil)

func (m *Memory) Start(_ context.Context, importID string, totalRecords, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[importID] = Snapshot{TotalRecords: totalRecords, TotalChunks: totalChunks}
	return nil
}

func (m *Memory) RecordChunk(_ context.Context, importID string, records int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshots[importID]
	snap.ProcessedChunks++
	snap.ProcessedRecords += records
	m.snapshots[importID] = snap
	return nil
}

func (m *Memory) Get(_ context.Context, importID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[importID], nil
}
