package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/voicelayer/sonicgate/internal/auth"
)

// Registry is the lookup and execution surface for tools. Registration
// happens once at startup; lookups and invocations run concurrently from
// every session after that.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registered
}

type registered struct {
	def     Definition
	schema  *gojsonschema.Schema
	handler Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool under its definition name and compiles its schema.
// Registering a name twice is an error, not a replacement.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return errors.New("tools: register: empty tool name")
	}
	if h == nil {
		return fmt.Errorf("tools: register %s: nil handler", def.Name)
	}
	if len(def.Schema) == 0 {
		return fmt.Errorf("tools: register %s: empty schema", def.Name)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Schema))
	if err != nil {
		return fmt.Errorf("tools: register %s: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tools: register %s: already registered", def.Name)
	}
	r.tools[def.Name] = registered{def: def, schema: schema, handler: h}
	r.order = append(r.order, def.Name)
	return nil
}

// Specs returns the tool definitions in registration order, ready for
// embedding in a prompt-start event.
func (r *Registry) Specs() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates params against the named tool's schema and runs its
// handler. Every failure mode — unknown tool, invalid parameters, handler
// failure, handler panic — comes back as an error result; Invoke itself
// never panics and has no transport-level error path.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage, id auth.Identity) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool handler panicked", "tool", name, "panic", rec)
			res = Fail(fmt.Sprintf("Tool %s failed unexpectedly", name))
		}
	}()

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Fail(fmt.Sprintf("Unknown tool: %s", name))
	}

	// The model omits the params document entirely for no-argument tools.
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	verdict, err := t.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return Fail(fmt.Sprintf("Invalid parameters: %v", err))
	}
	if !verdict.Valid() {
		msgs := make([]string, 0, len(verdict.Errors()))
		for _, ve := range verdict.Errors() {
			msgs = append(msgs, ve.String())
		}
		return Fail("Invalid parameters: " + strings.Join(msgs, "; "))
	}
	return t.handler(ctx, params, id)
}
