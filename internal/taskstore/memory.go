package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Repository = (*Memory)(nil)

// Memory is a map-backed Repository. It is the default driver when no
// external storage is configured and the fixture used by tool and gateway
// tests. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]map[string]*Task // userID → taskID → task
	notes map[string][]*Note          // taskKey(userID, taskID) → notes, oldest first
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]map[string]*Task),
		notes: make(map[string][]*Note),
	}
}

func taskKey(userID, taskID string) string { return userID + "/" + taskID }

// ListTasks implements Repository.
func (m *Memory) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.tasks[userID]))
	for _, t := range m.tasks[userID] {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetTask implements Repository.
func (m *Memory) GetTask(ctx context.Context, userID, taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[userID][taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// CreateTask implements Repository.
func (m *Memory) CreateTask(ctx context.Context, userID string, in TaskInput) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Completed:   in.Completed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[userID] == nil {
		m.tasks[userID] = make(map[string]*Task)
	}
	m.tasks[userID][t.ID] = t
	cp := *t
	return &cp, nil
}

// UpdateTask implements Repository.
func (m *Memory) UpdateTask(ctx context.Context, userID, taskID string, patch TaskPatch) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[userID][taskID]
	if !ok {
		return nil, nil
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

// DeleteTask implements Repository. Notes are removed before the task.
func (m *Memory) DeleteTask(ctx context.Context, userID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[userID][taskID]; !ok {
		return false, nil
	}
	delete(m.notes, taskKey(userID, taskID))
	delete(m.tasks[userID], taskID)
	return true, nil
}

// ListNotes implements Repository.
func (m *Memory) ListNotes(ctx context.Context, userID, taskID string, limit int) ([]Note, error) {
	limit = ClampNoteLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[userID][taskID]; !ok {
		return nil, nil
	}
	notes := m.notes[taskKey(userID, taskID)]
	if len(notes) > limit {
		notes = notes[:limit]
	}
	out := make([]Note, len(notes))
	for i, n := range notes {
		out[i] = *n
	}
	return out, nil
}

// CreateNote implements Repository.
func (m *Memory) CreateNote(ctx context.Context, userID, taskID, content string) (*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[userID][taskID]; !ok {
		return nil, nil
	}
	n := &Note{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	key := taskKey(userID, taskID)
	m.notes[key] = append(m.notes[key], n)
	cp := *n
	return &cp, nil
}

// DeleteNote implements Repository.
func (m *Memory) DeleteNote(ctx context.Context, userID, taskID, noteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[userID][taskID]; !ok {
		return false, nil
	}
	key := taskKey(userID, taskID)
	notes := m.notes[key]
	for i, n := range notes {
		if n.ID == noteID {
			m.notes[key] = append(notes[:i:i], notes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Ping implements Repository. Always reachable.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Repository.
func (m *Memory) Close() error { return nil }
