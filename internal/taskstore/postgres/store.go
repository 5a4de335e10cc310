package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicelayer/sonicgate/internal/taskstore"
)

// Compile-time interface check.
var _ taskstore.Repository = (*Store)(nil)

// Store is the PostgreSQL-backed task repository. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("task store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("task store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// ListTasks implements taskstore.Repository.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]taskstore.Task, error) {
	const q = `
		SELECT id, user_id, title, description, completed, created_at, updated_at
		FROM   tasks
		WHERE  user_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("task store: list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("task store: scan tasks: %w", err)
	}
	if tasks == nil {
		tasks = []taskstore.Task{}
	}
	return tasks, nil
}

// GetTask implements taskstore.Repository.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (*taskstore.Task, error) {
	const q = `
		SELECT id, user_id, title, description, completed, created_at, updated_at
		FROM   tasks
		WHERE  user_id = $1 AND id = $2`

	rows, err := s.pool.Query(ctx, q, userID, taskID)
	if err != nil {
		return nil, fmt.Errorf("task store: get task: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanTask)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task store: get task: %w", err)
	}
	return &t, nil
}

// CreateTask implements taskstore.Repository.
func (s *Store) CreateTask(ctx context.Context, userID string, in taskstore.TaskInput) (*taskstore.Task, error) {
	const q = `
		INSERT INTO tasks (id, user_id, title, description, completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	t := taskstore.Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Completed:   in.Completed,
		CreatedAt:   time.Now().UTC(),
	}
	t.UpdatedAt = t.CreatedAt

	if _, err := s.pool.Exec(ctx, q, t.ID, t.UserID, t.Title, t.Description, t.Completed, t.CreatedAt); err != nil {
		return nil, fmt.Errorf("task store: create task: %w", err)
	}
	return &t, nil
}

// UpdateTask implements taskstore.Repository.
func (s *Store) UpdateTask(ctx context.Context, userID, taskID string, patch taskstore.TaskPatch) (*taskstore.Task, error) {
	const q = `
		UPDATE tasks
		SET    title       = COALESCE($3, title),
		       description = COALESCE($4, description),
		       completed   = COALESCE($5, completed),
		       updated_at  = now()
		WHERE  user_id = $1 AND id = $2
		RETURNING id, user_id, title, description, completed, created_at, updated_at`

	rows, err := s.pool.Query(ctx, q, userID, taskID, patch.Title, patch.Description, patch.Completed)
	if err != nil {
		return nil, fmt.Errorf("task store: update task: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanTask)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task store: update task: %w", err)
	}
	return &t, nil
}

// DeleteTask implements taskstore.Repository. The task's notes are removed
// first, inside one transaction.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("task store: delete task: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM task_notes WHERE user_id = $1 AND task_id = $2`, userID, taskID); err != nil {
		return false, fmt.Errorf("task store: delete task notes: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE user_id = $1 AND id = $2`, userID, taskID)
	if err != nil {
		return false, fmt.Errorf("task store: delete task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("task store: delete task: commit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
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

	const q = `
		SELECT id, task_id, content, created_at
		FROM   task_notes
		WHERE  user_id = $1 AND task_id = $2
		ORDER  BY created_at, id
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, taskID, taskstore.ClampNoteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("task store: list notes: %w", err)
	}
	notes, err := pgx.CollectRows(rows, scanNote)
	if err != nil {
		return nil, fmt.Errorf("task store: scan notes: %w", err)
	}
	if notes == nil {
		notes = []taskstore.Note{}
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

	const q = `
		INSERT INTO task_notes (id, task_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	n := taskstore.Note{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.pool.Exec(ctx, q, n.ID, n.TaskID, userID, n.Content, n.CreatedAt); err != nil {
		return nil, fmt.Errorf("task store: create note: %w", err)
	}
	return &n, nil
}

// DeleteNote implements taskstore.Repository.
func (s *Store) DeleteNote(ctx context.Context, userID, taskID, noteID string) (bool, error) {
	const q = `DELETE FROM task_notes WHERE user_id = $1 AND task_id = $2 AND id = $3`

	tag, err := s.pool.Exec(ctx, q, userID, taskID, noteID)
	if err != nil {
		return false, fmt.Errorf("task store: delete note: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping implements taskstore.Repository.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("task store: ping: %w", err)
	}
	return nil
}

// Close implements taskstore.Repository. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.CollectableRow) (taskstore.Task, error) {
	var t taskstore.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanNote(row pgx.CollectableRow) (taskstore.Note, error) {
	var n taskstore.Note
	err := row.Scan(&n.ID, &n.TaskID, &n.Content, &n.CreatedAt)
	return n, err
}
