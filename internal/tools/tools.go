// Package tools hosts the registry of model-invocable tools and the
// standard toolset backed by the task repository.
//
// The registry keeps one canonical JSON-schema document per tool; wire
// encodings such as the stringified schema form the model expects are
// derived at the transport boundary, never stored here. Invocation outcomes
// are tagged results, so callers branch on Status instead of sniffing
// error-shaped payloads.
package tools

import (
	"context"
	"encoding/json"

	"github.com/voicelayer/sonicgate/internal/auth"
)

// Status tags a tool invocation outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusError:
		return true
	}
	return false
}

// Result is the tagged outcome of one tool invocation. Value carries the
// success payload, Message the model-visible failure text; the registry
// interprets neither.
type Result struct {
	Status  Status
	Value   any
	Message string
}

// Succeed wraps a payload in a success result.
func Succeed(v any) Result { return Result{Status: StatusSuccess, Value: v} }

// Fail wraps a model-visible message in an error result.
func Fail(msg string) Result { return Result{Status: StatusError, Message: msg} }

// Definition describes one tool to the model.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Handler executes one tool call. Parameters have already passed schema
// validation when the handler runs; business rules (lengths, existence)
// stay the handler's responsibility so their messages are stable. Handlers
// must scope every repository access to id.
type Handler func(ctx context.Context, params json.RawMessage, id auth.Identity) Result
