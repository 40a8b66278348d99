package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360studio/mergeflow/pipeline"
)

// MemoryStore is an in-memory TaskStore with the same revision semantics as
// the KV-backed Store. It backs unit tests and local development without a
// NATS server.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[pipeline.TaskID]memoryEntry
}

type memoryEntry struct {
	data     []byte
	revision uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[pipeline.TaskID]memoryEntry)}
}

// Get implements TaskStore.
func (m *MemoryStore) Get(_ context.Context, id pipeline.TaskID) (*pipeline.Task, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, 0, ErrNotFound
	}

	var task pipeline.Task
	if err := json.Unmarshal(entry.data, &task); err != nil {
		return nil, 0, err
	}
	return &task, entry.revision, nil
}

// Create implements TaskStore.
func (m *MemoryStore) Create(_ context.Context, task *pipeline.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[task.ID]; ok {
		return ErrExists
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	m.entries[task.ID] = memoryEntry{data: data, revision: 1}
	return nil
}

// Update implements TaskStore.
func (m *MemoryStore) Update(_ context.Context, task *pipeline.Task, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[task.ID]
	if !ok {
		return ErrNotFound
	}
	if entry.revision != revision {
		return ErrRevisionConflict
	}

	task.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	m.entries[task.ID] = memoryEntry{data: data, revision: revision + 1}
	return nil
}
