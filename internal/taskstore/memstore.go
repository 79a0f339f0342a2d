package taskstore

import (
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu        sync.Mutex
	summaries map[string]*Summary
	events    map[string][]StateEvent
	artifacts map[string][]byte // key: taskID/round/name
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		summaries: make(map[string]*Summary),
		events:    make(map[string][]StateEvent),
		artifacts: make(map[string][]byte),
	}
}

// CreateTask is a no-op beyond registering the task.
func (m *MemStore) CreateTask(taskID string) (string, error) {
	return "", nil
}

// AppendRoundArtifact stores the artifact bytes.
func (m *MemStore) AppendRoundArtifact(taskID string, round int, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%03d/%s", taskID, round, name)
	m.artifacts[key] = append([]byte(nil), data...)
	return nil
}

// AppendStateEvent records the event.
func (m *MemStore) AppendStateEvent(taskID string, ev StateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[taskID] = append(m.events[taskID], ev)
	return nil
}

// WriteSummary stores a copy of the summary.
func (m *MemStore) WriteSummary(taskID string, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	copied := *s
	m.summaries[taskID] = &copied
	return nil
}

// ReadSummary returns the stored summary.
func (m *MemStore) ReadSummary(taskID string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

// Events returns the recorded state events for a task.
func (m *MemStore) Events(taskID string) []StateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateEvent(nil), m.events[taskID]...)
}

// Artifact returns a stored artifact, if present.
func (m *MemStore) Artifact(taskID string, round int, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.artifacts[fmt.Sprintf("%s/%03d/%s", taskID, round, name)]
	return data, ok
}
