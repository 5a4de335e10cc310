package novasonic

import (
	"encoding/json"
	"fmt"
)

// ── Inbound payload shapes ─────────────────────────────────────────────────────

// CompletionStart announces the model's response to one turn.
type CompletionStart struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

// ContentStartOutput opens one model output content block. Type is TEXT,
// AUDIO or TOOL; AdditionalModelFields is a nested JSON string that may
// carry the generation stage (see GenerationStage).
type ContentStartOutput struct {
	SessionID             string `json:"sessionId"`
	PromptName            string `json:"promptName"`
	CompletionID          string `json:"completionId"`
	ContentID             string `json:"contentId"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// GenerationStage extracts the generationStage marker (SPECULATIVE or FINAL)
// from AdditionalModelFields. Returns "" when absent or unparseable.
func (c *ContentStartOutput) GenerationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

// TextOutput carries one chunk of model-produced text.
type TextOutput struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
}

// AudioOutput carries one chunk of synthesized speech, base64 24 kHz PCM.
type AudioOutput struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Content      string `json:"content"`
}

// ToolUse is the model requesting execution of a registered tool. Content
// holds the JSON-encoded parameters.
type ToolUse struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	ToolName     string `json:"toolName"`
	ToolUseID    string `json:"toolUseId"`
	Content      string `json:"content"`
}

// ContentEndOutput closes a model output content block. StopReason is
// END_TURN, PARTIAL_TURN or INTERRUPTED (barge-in).
type ContentEndOutput struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Type         string `json:"type"`
	Role         string `json:"role"`
	StopReason   string `json:"stopReason"`
}

// CompletionEnd closes the model's response to one turn.
type CompletionEnd struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason"`
}

// Usage reports token consumption. Details is kept raw; only the totals are
// interpreted by the gateway.
type Usage struct {
	CompletionID      string          `json:"completionId"`
	TotalInputTokens  int             `json:"totalInputTokens"`
	TotalOutputTokens int             `json:"totalOutputTokens"`
	TotalTokens       int             `json:"totalTokens"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// StreamError is the payload of modelStreamErrorException and
// internalServerException frames.
type StreamError struct {
	Message string `json:"message"`
}

// InboundEvent is one decoded frame from the model stream. Exactly one of
// the payload pointers matching Kind is non-nil; for KindStreamComplete the
// frame has no payload and for KindUnknown only Raw is set.
type InboundEvent struct {
	Kind Kind

	CompletionStart *CompletionStart
	ContentStart    *ContentStartOutput
	TextOutput      *TextOutput
	AudioOutput     *AudioOutput
	ToolUse         *ToolUse
	ContentEnd      *ContentEndOutput
	CompletionEnd   *CompletionEnd
	Usage           *Usage
	StreamError     *StreamError

	// Raw preserves the original frame for logging of unknown kinds.
	Raw json.RawMessage
}

type inboundEnvelope struct {
	Event inboundBody `json:"event"`
}

type inboundBody struct {
	CompletionStart     *CompletionStart    `json:"completionStart"`
	ContentStart        *ContentStartOutput `json:"contentStart"`
	TextOutput          *TextOutput         `json:"textOutput"`
	AudioOutput         *AudioOutput        `json:"audioOutput"`
	ToolUse             *ToolUse            `json:"toolUse"`
	ContentEnd          *ContentEndOutput   `json:"contentEnd"`
	CompletionEnd       *CompletionEnd      `json:"completionEnd"`
	Usage               *Usage              `json:"usageEvent"`
	StreamComplete      *json.RawMessage    `json:"streamComplete"`
	ModelStreamError    *StreamError        `json:"modelStreamErrorException"`
	InternalServerError *StreamError        `json:"internalServerException"`
}

// Decode parses one inbound frame. Frames whose envelope key is not part of
// the protocol decode to KindUnknown with Raw set; callers log and drop
// those. An error is returned only for malformed JSON, and callers must
// treat it the same way: log, drop, continue.
func Decode(data []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundEvent{Kind: KindUnknown, Raw: append(json.RawMessage(nil), data...)}, fmt.Errorf("novasonic: decode: %w", err)
	}

	b := env.Event
	switch {
	case b.CompletionStart != nil:
		return InboundEvent{Kind: KindCompletionStart, CompletionStart: b.CompletionStart}, nil
	case b.ContentStart != nil:
		return InboundEvent{Kind: KindContentStart, ContentStart: b.ContentStart}, nil
	case b.TextOutput != nil:
		return InboundEvent{Kind: KindTextOutput, TextOutput: b.TextOutput}, nil
	case b.AudioOutput != nil:
		return InboundEvent{Kind: KindAudioOutput, AudioOutput: b.AudioOutput}, nil
	case b.ToolUse != nil:
		return InboundEvent{Kind: KindToolUse, ToolUse: b.ToolUse}, nil
	case b.ContentEnd != nil:
		return InboundEvent{Kind: KindContentEnd, ContentEnd: b.ContentEnd}, nil
	case b.CompletionEnd != nil:
		return InboundEvent{Kind: KindCompletionEnd, CompletionEnd: b.CompletionEnd}, nil
	case b.Usage != nil:
		return InboundEvent{Kind: KindUsage, Usage: b.Usage}, nil
	case b.StreamComplete != nil:
		return InboundEvent{Kind: KindStreamComplete}, nil
	case b.ModelStreamError != nil:
		return InboundEvent{Kind: KindModelStreamError, StreamError: b.ModelStreamError}, nil
	case b.InternalServerError != nil:
		return InboundEvent{Kind: KindInternalServerError, StreamError: b.InternalServerError}, nil
	default:
		return InboundEvent{Kind: KindUnknown, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
