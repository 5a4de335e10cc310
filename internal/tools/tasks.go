package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/internal/taskstore"
)

// Field limits enforced here rather than in the schemas, so the model sees
// the stable messages below instead of raw schema-validator output.
const (
	maxTitleLen       = 255
	maxDescriptionLen = 1024
	maxNoteContentLen = 1024
)

// Model-visible validation messages. Kept as exact literals; clients and
// prompts key off them.
const (
	msgTitleRequired   = "Title is required"
	msgTitleTooLong    = "Title must not exceed 255 characters"
	msgDescTooLong     = "Description must not exceed 1024 characters"
	msgContentRequired = "Content is required"
	msgContentTooLong  = "Content must not exceed 1024 characters"
	msgTaskNotFound    = "Task not found"
	msgNoteNotFound    = "Note not found"
)

const (
	schemaEmpty = `{"type":"object","properties":{}}`

	schemaTaskRef = `{
  "type": "object",
  "properties": {
    "taskId": {
      "type": "string",
      "description": "Identifier of the task"
    }
  },
  "required": ["taskId"]
}`

	schemaCreateTask = `{
  "type": "object",
  "properties": {
    "title": {
      "type": "string",
      "description": "Short title of the task"
    },
    "description": {
      "type": "string",
      "description": "Optional longer description"
    },
    "completed": {
      "type": "boolean",
      "description": "Whether the task starts out completed"
    }
  }
}`

	schemaUpdateTask = `{
  "type": "object",
  "properties": {
    "taskId": {
      "type": "string",
      "description": "Identifier of the task to update"
    },
    "title": {
      "type": "string",
      "description": "New title"
    },
    "description": {
      "type": "string",
      "description": "New description"
    },
    "completed": {
      "type": "boolean",
      "description": "New completion state"
    }
  },
  "required": ["taskId"]
}`

	schemaCreateNote = `{
  "type": "object",
  "properties": {
    "taskId": {
      "type": "string",
      "description": "Identifier of the task the note belongs to"
    },
    "content": {
      "type": "string",
      "description": "Text content of the note"
    }
  },
  "required": ["taskId"]
}`

	schemaDeleteNote = `{
  "type": "object",
  "properties": {
    "taskId": {
      "type": "string",
      "description": "Identifier of the task the note belongs to"
    },
    "noteId": {
      "type": "string",
      "description": "Identifier of the note"
    }
  },
  "required": ["taskId", "noteId"]
}`
)

// RegisterTaskTools adds the task and note management toolset backed by
// repo. Tool names and parameter shapes are part of the model contract.
func RegisterTaskTools(r *Registry, repo taskstore.Repository) error {
	tt := &taskTools{repo: repo}
	set := []struct {
		def Definition
		h   Handler
	}{
		{Definition{
			Name:        "getAllTasks",
			Description: "Lists all of the user's tasks with their identifiers, titles, descriptions and completion state.",
			Schema:      json.RawMessage(schemaEmpty),
		}, tt.getAllTasks},
		{Definition{
			Name:        "getTaskById",
			Description: "Fetches a single task by its identifier.",
			Schema:      json.RawMessage(schemaTaskRef),
		}, tt.getTaskByID},
		{Definition{
			Name:        "createTask",
			Description: "Creates a new task. A title is required; description and completion state are optional.",
			Schema:      json.RawMessage(schemaCreateTask),
		}, tt.createTask},
		{Definition{
			Name:        "updateTask",
			Description: "Updates an existing task's title, description or completion state. Only the provided fields change.",
			Schema:      json.RawMessage(schemaUpdateTask),
		}, tt.updateTask},
		{Definition{
			Name:        "deleteTask",
			Description: "Deletes a task and every note attached to it.",
			Schema:      json.RawMessage(schemaTaskRef),
		}, tt.deleteTask},
		{Definition{
			Name:        "getNotesByTodoId",
			Description: "Lists the notes attached to a task.",
			Schema:      json.RawMessage(schemaTaskRef),
		}, tt.getNotes},
		{Definition{
			Name:        "createNote",
			Description: "Attaches a new note to an existing task.",
			Schema:      json.RawMessage(schemaCreateNote),
		}, tt.createNote},
		{Definition{
			Name:        "deleteNote",
			Description: "Deletes a single note from a task.",
			Schema:      json.RawMessage(schemaDeleteNote),
		}, tt.deleteNote},
	}
	for _, reg := range set {
		if err := r.Register(reg.def, reg.h); err != nil {
			return err
		}
	}
	return nil
}

type taskTools struct {
	repo taskstore.Repository
}

type taskRefParams struct {
	TaskID string `json:"taskId"`
}

type createTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type updateTaskParams struct {
	TaskID      string  `json:"taskId"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
}

type createNoteParams struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

type deleteNoteParams struct {
	TaskID string `json:"taskId"`
	NoteID string `json:"noteId"`
}

// repoFail logs the underlying repository error and returns a
// non-disclosing message to the model.
func repoFail(op string, err error) Result {
	slog.Error("task repository call failed", "op", op, "err", err)
	return Fail("Failed to " + op)
}

func (t *taskTools) getAllTasks(ctx context.Context, _ json.RawMessage, id auth.Identity) Result {
	tasks, err := t.repo.ListTasks(ctx, id.UserID)
	if err != nil {
		return repoFail("retrieve tasks", err)
	}
	return Succeed(map[string]any{"items": tasks, "count": len(tasks)})
}

func (t *taskTools) getTaskByID(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	task, err := t.repo.GetTask(ctx, id.UserID, p.TaskID)
	if err != nil {
		return repoFail("retrieve task", err)
	}
	if task == nil {
		return Fail(msgTaskNotFound)
	}
	return Succeed(task)
}

func (t *taskTools) createTask(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p createTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	if strings.TrimSpace(p.Title) == "" {
		return Fail(msgTitleRequired)
	}
	if utf8.RuneCountInString(p.Title) > maxTitleLen {
		return Fail(msgTitleTooLong)
	}
	if utf8.RuneCountInString(p.Description) > maxDescriptionLen {
		return Fail(msgDescTooLong)
	}
	task, err := t.repo.CreateTask(ctx, id.UserID, taskstore.TaskInput{
		Title:       p.Title,
		Description: p.Description,
		Completed:   p.Completed,
	})
	if err != nil {
		return repoFail("create task", err)
	}
	return Succeed(task)
}

func (t *taskTools) updateTask(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p updateTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return Fail(msgTitleRequired)
		}
		if utf8.RuneCountInString(*p.Title) > maxTitleLen {
			return Fail(msgTitleTooLong)
		}
	}
	if p.Description != nil && utf8.RuneCountInString(*p.Description) > maxDescriptionLen {
		return Fail(msgDescTooLong)
	}
	task, err := t.repo.UpdateTask(ctx, id.UserID, p.TaskID, taskstore.TaskPatch{
		Title:       p.Title,
		Description: p.Description,
		Completed:   p.Completed,
	})
	if err != nil {
		return repoFail("update task", err)
	}
	if task == nil {
		return Fail(msgTaskNotFound)
	}
	return Succeed(task)
}

func (t *taskTools) deleteTask(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	deleted, err := t.repo.DeleteTask(ctx, id.UserID, p.TaskID)
	if err != nil {
		return repoFail("delete task", err)
	}
	if !deleted {
		return Fail(msgTaskNotFound)
	}
	return Succeed(map[string]any{"deleted": true, "taskId": p.TaskID})
}

func (t *taskTools) getNotes(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	task, err := t.repo.GetTask(ctx, id.UserID, p.TaskID)
	if err != nil {
		return repoFail("retrieve notes", err)
	}
	if task == nil {
		return Fail(msgTaskNotFound)
	}
	notes, err := t.repo.ListNotes(ctx, id.UserID, p.TaskID, taskstore.MaxNoteLimit)
	if err != nil {
		return repoFail("retrieve notes", err)
	}
	return Succeed(map[string]any{"items": notes, "count": len(notes)})
}

func (t *taskTools) createNote(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p createNoteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	if strings.TrimSpace(p.Content) == "" {
		return Fail(msgContentRequired)
	}
	if utf8.RuneCountInString(p.Content) > maxNoteContentLen {
		return Fail(msgContentTooLong)
	}
	note, err := t.repo.CreateNote(ctx, id.UserID, p.TaskID, p.Content)
	if err != nil {
		return repoFail("create note", err)
	}
	if note == nil {
		return Fail(msgTaskNotFound)
	}
	return Succeed(note)
}

func (t *taskTools) deleteNote(ctx context.Context, params json.RawMessage, id auth.Identity) Result {
	var p deleteNoteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Fail("Invalid parameters: " + err.Error())
	}
	deleted, err := t.repo.DeleteNote(ctx, id.UserID, p.TaskID, p.NoteID)
	if err != nil {
		return repoFail("delete note", err)
	}
	if !deleted {
		return Fail(msgNoteNotFound)
	}
	return Succeed(map[string]any{"deleted": true, "noteId": p.NoteID})
}
