// Package redis provides a Redis-backed implementation of the
// taskstore.Repository interface.
//
// Layout per user: tasks are JSON values under "<prefix>:task:<user>:<id>"
// with a set "<prefix>:tasks:<user>" indexing the ids; notes live in a hash
// "<prefix>:notes:<user>:<task>" keyed by note id. Multi-key operations are
// pipelined into a single round-trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voicelayer/sonicgate/internal/taskstore"
)

// Compile-time interface check.
var _ taskstore.Repository = (*Store)(nil)

const defaultPrefix = "sonicgate"

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "sonicgate".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store is the Redis-backed task repository. All methods are safe for
// concurrent use.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore wraps an existing Redis client. The caller keeps ownership of the
// client's configuration; Close closes it.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) taskKey(userID, taskID string) string {
	return fmt.Sprintf("%s:task:%s:%s", s.prefix, userID, taskID)
}

func (s *Store) taskIndexKey(userID string) string {
	return fmt.Sprintf("%s:tasks:%s", s.prefix, userID)
}

func (s *Store) notesKey(userID, taskID string) string {
	return fmt.Sprintf("%s:notes:%s:%s", s.prefix, userID, taskID)
}

// ListTasks implements taskstore.Repository.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]taskstore.Task, error) {
	ids, err := s.client.SMembers(ctx, s.taskIndexKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task store: list tasks: %w", err)
	}
	if len(ids) == 0 {
		return []taskstore.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.taskKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task store: list tasks: %w", err)
	}

	tasks := make([]taskstore.Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// Index entries can outlive their task value briefly; skip strays.
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("task store: list tasks: %w", err)
		}
		var t taskstore.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("task store: unmarshal task: %w", err)
		}
		t.UserID = userID
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GetTask implements taskstore.Repository.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (*taskstore.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(userID, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task store: get task: %w", err)
	}
	var t taskstore.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task store: unmarshal task: %w", err)
	}
	t.UserID = userID
	return &t, nil
}

// CreateTask implements taskstore.Repository.
func (s *Store) CreateTask(ctx context.Context, userID string, in taskstore.TaskInput) (*taskstore.Task, error) {
	now := time.Now().UTC()
	t := taskstore.Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Completed:   in.Completed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.saveTask(ctx, userID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask implements taskstore.Repository.
func (s *Store) UpdateTask(ctx context.Context, userID, taskID string, patch taskstore.TaskPatch) (*taskstore.Task, error) {
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil || t == nil {
		return nil, err
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
	if err := s.saveTask(ctx, userID, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) saveTask(ctx context.Context, userID string, t *taskstore.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task store: marshal task: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(userID, t.ID), data, 0)
	pipe.SAdd(ctx, s.taskIndexKey(userID), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task store: save task: %w", err)
	}
	return nil
}

// DeleteTask implements taskstore.Repository. The notes hash is removed in
// the same pipeline, before the task value and its index entry.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) (bool, error) {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.notesKey(userID, taskID))
	delCmd := pipe.Del(ctx, s.taskKey(userID, taskID))
	pipe.SRem(ctx, s.taskIndexKey(userID), taskID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("task store: delete task: %w", err)
	}
	return delCmd.Val() > 0, nil
}

// ListNotes implements taskstore.Repository.
func (s *Store) ListNotes(ctx context.Context, userID, taskID string, limit int) ([]taskstore.Note, error) {
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	vals, err := s.client.HVals(ctx, s.notesKey(userID, taskID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task store: list notes: %w", err)
	}
	notes := make([]taskstore.Note, 0, len(vals))
	for _, v := range vals {
		var n taskstore.Note
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			return nil, fmt.Errorf("task store: unmarshal note: %w", err)
		}
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID < notes[j].ID
		}
		return notes[i].CreatedAt.Before(notes[j].CreatedAt)
	})
	if max := taskstore.ClampNoteLimit(limit); len(notes) > max {
		notes = notes[:max]
	}
	return notes, nil
}

// CreateNote implements taskstore.Repository.
func (s *Store) CreateNote(ctx context.Context, userID, taskID, content string) (*taskstore.Note, error) {
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	n := taskstore.Note{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("task store: marshal note: %w", err)
	}
	if err := s.client.HSet(ctx, s.notesKey(userID, taskID), n.ID, data).Err(); err != nil {
		return nil, fmt.Errorf("task store: create note: %w", err)
	}
	return &n, nil
}

// DeleteNote implements taskstore.Repository.
func (s *Store) DeleteNote(ctx context.Context, userID, taskID, noteID string) (bool, error) {
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	removed, err := s.client.HDel(ctx, s.notesKey(userID, taskID), noteID).Result()
	if err != nil {
		return false, fmt.Errorf("task store: delete note: %w", err)
	}
	return removed > 0, nil
}

// Ping implements taskstore.Repository.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("task store: ping: %w", err)
	}
	return nil
}

// Close implements taskstore.Repository. It closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
