// Package taskstore defines the per-user task repository consumed by tool
// handlers, plus an in-memory reference implementation.
//
// Tasks and their notes are always addressed under a userId; the repository
// guarantees that no call can observe or mutate another user's data. Driver
// implementations live in the postgres and redis subpackages; Memory in this
// package backs the default configuration and doubles as the test fixture.
//
// Absence is expressed as (nil, nil) for single-entity reads and (false, nil)
// for deletes — repository errors are reserved for storage faults.
package taskstore

import (
	"context"
	"time"
)

// Task is one user-owned to-do item.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Note is a free-text annotation attached to a task.
type Note struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskInput carries the fields for creating a task. Length limits are
// enforced by the tool layer before the repository is reached.
type TaskInput struct {
	Title       string
	Description string
	Completed   bool
}

// TaskPatch is a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
	Completed   *bool
}

// Repository is the storage capability behind the task tools. All methods
// are safe for concurrent use and independent of each other; the only
// composed operation is DeleteTask, which removes the task's notes before
// the task itself.
type Repository interface {
	// ListTasks returns all tasks owned by userID, oldest first.
	ListTasks(ctx context.Context, userID string) ([]Task, error)

	// GetTask returns the task, or (nil, nil) when userID owns no such task.
	GetTask(ctx context.Context, userID, taskID string) (*Task, error)

	// CreateTask stores a new task and returns it with ID and timestamps set.
	CreateTask(ctx context.Context, userID string, in TaskInput) (*Task, error)

	// UpdateTask applies patch and returns the updated task, or (nil, nil)
	// when userID owns no such task.
	UpdateTask(ctx context.Context, userID, taskID string, patch TaskPatch) (*Task, error)

	// DeleteTask removes the task and all of its notes. Returns false when
	// userID owns no such task.
	DeleteTask(ctx context.Context, userID, taskID string) (bool, error)

	// ListNotes returns up to limit notes of the task, oldest first.
	// Returns (nil, nil) when userID owns no such task.
	ListNotes(ctx context.Context, userID, taskID string, limit int) ([]Note, error)

	// CreateNote attaches a note to the task, or returns (nil, nil) when
	// userID owns no such task.
	CreateNote(ctx context.Context, userID, taskID, content string) (*Note, error)

	// DeleteNote removes one note. Returns false when userID owns no such
	// task or note.
	DeleteNote(ctx context.Context, userID, taskID, noteID string) (bool, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the repository's resources.
	Close() error
}

// MaxNoteLimit caps ListNotes result sizes; larger or non-positive limits
// are clamped to it.
const MaxNoteLimit = 100

// ClampNoteLimit normalizes a caller-supplied note limit.
func ClampNoteLimit(limit int) int {
	if limit <= 0 || limit > MaxNoteLimit {
		return MaxNoteLimit
	}
	return limit
}
