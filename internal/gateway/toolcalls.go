package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voicelayer/sonicgate/internal/observe"
	"github.com/voicelayer/sonicgate/internal/session"
	"github.com/voicelayer/sonicgate/internal/tools"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// ToolRunner executes model tool calls against the registry and feeds the
// results back into the session's outbound queue. One runner is shared by
// all sessions; per-call state lives on the stack.
type ToolRunner struct {
	registry *tools.Registry
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewToolRunner wires a runner to the registry. metrics may be nil.
func NewToolRunner(registry *tools.Registry, metrics *observe.Metrics, log *slog.Logger) *ToolRunner {
	if log == nil {
		log = slog.Default()
	}
	return &ToolRunner{registry: registry, metrics: metrics, log: log}
}

// Dispatch runs one tool call to completion and enqueues the result frames.
// The registry absorbs handler panics and unknown names into error results,
// so a failed call never ends the session; the model hears about the
// failure and the conversation continues. If the session reached a terminal
// phase while the handler ran, the result is dropped. An outbound queue
// overflow fails the session instead: dropping the result there would leave
// the model waiting forever.
func (t *ToolRunner) Dispatch(ctx context.Context, sess *session.Session, use novasonic.ToolUse) {
	start := time.Now()
	res := t.registry.Invoke(ctx, use.ToolName, json.RawMessage(use.Content), sess.Identity())
	elapsed := time.Since(start)

	if t.metrics != nil {
		t.metrics.RecordToolCall(ctx, use.ToolName, string(res.Status))
		t.metrics.ToolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(observe.Attr("tool", use.ToolName)))
	}
	t.log.Info("tool call finished",
		"session_id", sess.ID(),
		"user_id", sess.Identity().UserID,
		"tool", use.ToolName,
		"tool_use_id", use.ToolUseID,
		"status", res.Status,
		"duration", elapsed,
	)

	if err := sess.EnqueueToolResult(use.ToolUseID, encodeToolResult(res)); err != nil {
		// A closed session simply no longer wants the result. Overflow is
		// different: the model is left waiting on a tool result that will
		// never arrive, so the session must die loudly.
		if errors.Is(err, session.ErrQueueOverflow) {
			t.log.Error("tool result overflowed the outbound queue",
				"session_id", sess.ID(), "tool", use.ToolName, "error", err)
			sess.Fail(err.Error())
			sess.Observer().OnError(fmt.Errorf("tool result for %s: %w", use.ToolName, err))
			return
		}
		t.log.Debug("tool result dropped", "session_id", sess.ID(), "tool", use.ToolName, "error", err)
		return
	}
	sess.Observer().OnToolResult(use.ToolUseID, use.ToolName, string(res.Status))
}

type toolResultDoc struct {
	ToolResult toolResultBody `json:"toolResult"`
}

type toolResultBody struct {
	Content []map[string]any `json:"content"`
	Status  tools.Status     `json:"status"`
}

// encodeToolResult serializes a registry result into the document the model
// expects inside the tool-result content block. Serialization failures
// degrade to an error document rather than aborting the call.
func encodeToolResult(res tools.Result) string {
	entry := map[string]any{"result": res.Value}
	if res.Status != tools.StatusSuccess {
		entry = map[string]any{"error": res.Message}
	}
	doc := toolResultDoc{ToolResult: toolResultBody{
		Content: []map[string]any{entry},
		Status:  res.Status,
	}}
	b, err := json.Marshal(doc)
	if err != nil {
		fallback := toolResultDoc{ToolResult: toolResultBody{
			Content: []map[string]any{{"error": "Tool result could not be serialized"}},
			Status:  tools.StatusError,
		}}
		b, _ = json.Marshal(fallback)
	}
	return string(b)
}
