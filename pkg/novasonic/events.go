// Package novasonic implements the event protocol of the Nova Sonic
// speech-to-speech model as exposed by the Bedrock bidirectional stream
// operation.
//
// Every frame on the stream is a JSON document with a single-key "event"
// envelope; the key inside the envelope names the event kind. This package
// provides builders for all outbound kinds (gateway → model), a total
// decoder for inbound kinds (model → gateway), and the Provider/Stream
// abstraction the gateway uses so tests can substitute a scripted stream
// for the real Bedrock connection.
package novasonic

import (
	"encoding/base64"
	"encoding/json"
)

// DefaultModelID is the Bedrock model identifier for Nova Sonic.
const DefaultModelID = "amazon.nova-sonic-v1:0"

// Audio formats are fixed by the model: 16 kHz 16-bit mono LPCM in,
// 24 kHz 16-bit mono LPCM out, both base64-encoded on the wire.
const (
	InputSampleRateHz  = 16000
	OutputSampleRateHz = 24000
	sampleSizeBits     = 16
	channelCount       = 1
)

// ── Kinds ──────────────────────────────────────────────────────────────────────

// Kind discriminates event frames on both directions of the model stream.
type Kind string

// Outbound kinds (gateway → model).
const (
	KindSessionStart Kind = "sessionStart"
	KindPromptStart  Kind = "promptStart"
	KindContentStart Kind = "contentStart"
	KindTextInput    Kind = "textInput"
	KindAudioInput   Kind = "audioInput"
	KindToolResult   Kind = "toolResult"
	KindContentEnd   Kind = "contentEnd"
	KindPromptEnd    Kind = "promptEnd"
	KindSessionEnd   Kind = "sessionEnd"
)

// Inbound kinds (model → gateway). KindContentStart and KindContentEnd
// appear on both directions.
const (
	KindCompletionStart     Kind = "completionStart"
	KindTextOutput          Kind = "textOutput"
	KindAudioOutput         Kind = "audioOutput"
	KindToolUse             Kind = "toolUse"
	KindCompletionEnd       Kind = "completionEnd"
	KindUsage               Kind = "usageEvent"
	KindStreamComplete      Kind = "streamComplete"
	KindModelStreamError    Kind = "modelStreamErrorException"
	KindInternalServerError Kind = "internalServerException"
	KindUnknown             Kind = "unknown"
)

// Content types and roles used on contentStart/contentEnd frames.
const (
	TypeText  = "TEXT"
	TypeAudio = "AUDIO"
	TypeTool  = "TOOL"

	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Stop reasons reported on inbound contentEnd/completionEnd frames.
const (
	StopEndTurn     = "END_TURN"
	StopPartialTurn = "PARTIAL_TURN"
	StopInterrupted = "INTERRUPTED"
)

// Generation stages carried in contentStart additionalModelFields.
const (
	GenerationSpeculative = "SPECULATIVE"
	GenerationFinal       = "FINAL"
)

// ── Event ──────────────────────────────────────────────────────────────────────

// Event is one framed outbound event, ready to be written to the model
// stream. Body is the complete envelope document; Kind is retained so the
// queue and logs can describe the event without re-parsing it.
type Event struct {
	Kind Kind
	Body []byte
}

// InferenceConfig carries the sampling parameters sent in sessionStart.
// Immutable for the lifetime of a session.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// ToolSpec describes one tool offered to the model in promptStart. Schema is
// the canonical JSON schema of the tool's parameters; the model-facing
// stringified form is produced at encode time.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ── Outbound payload shapes ────────────────────────────────────────────────────

type envelope struct {
	Event any `json:"event"`
}

type sessionStartEvent struct {
	Inference InferenceConfig `json:"inferenceConfiguration"`
}

type textConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfiguration struct {
	MediaType     string `json:"mediaType"`
	SampleRateHz  int    `json:"sampleRateHertz"`
	SampleSizeBit int    `json:"sampleSizeBits"`
	ChannelCount  int    `json:"channelCount"`
	VoiceID       string `json:"voiceId"`
	Encoding      string `json:"encoding"`
	AudioType     string `json:"audioType"`
}

type audioInputConfiguration struct {
	MediaType     string `json:"mediaType"`
	SampleRateHz  int    `json:"sampleRateHertz"`
	SampleSizeBit int    `json:"sampleSizeBits"`
	ChannelCount  int    `json:"channelCount"`
	AudioType     string `json:"audioType"`
	Encoding      string `json:"encoding"`
}

type toolSpecEntry struct {
	ToolSpec toolSpecBody `json:"toolSpec"`
}

type toolSpecBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema toolInputSchema `json:"inputSchema"`
}

type toolInputSchema struct {
	JSON string `json:"json"`
}

type toolConfiguration struct {
	Tools []toolSpecEntry `json:"tools"`
}

type promptStartEvent struct {
	PromptName        string                   `json:"promptName"`
	TextOutputConf    textConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConf   audioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutput     textConfiguration        `json:"toolUseOutputConfiguration"`
	ToolConfiguration toolConfiguration        `json:"toolConfiguration"`
}

type contentStartEvent struct {
	PromptName     string                        `json:"promptName"`
	ContentName    string                        `json:"contentName"`
	Type           string                        `json:"type"`
	Interactive    bool                          `json:"interactive"`
	Role           string                        `json:"role"`
	TextInputConf  *textConfiguration            `json:"textInputConfiguration,omitempty"`
	AudioInputConf *audioInputConfiguration      `json:"audioInputConfiguration,omitempty"`
	ToolResultConf *toolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

type toolResultInputConfiguration struct {
	ToolUseID     string            `json:"toolUseId"`
	Type          string            `json:"type"`
	TextInputConf textConfiguration `json:"textInputConfiguration"`
}

type textInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type audioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type toolResultEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptEndEvent struct {
	PromptName string `json:"promptName"`
}

// encode marshals the single-key envelope. The payload types above contain
// only strings, numbers and slices of the same, so marshaling cannot fail.
func encode(inner any) []byte {
	b, _ := json.Marshal(envelope{Event: inner})
	return b
}

// ── Outbound builders ──────────────────────────────────────────────────────────

// SessionStart builds the first event of every model stream.
func SessionStart(cfg InferenceConfig) Event {
	return Event{Kind: KindSessionStart, Body: encode(map[string]any{
		"sessionStart": sessionStartEvent{Inference: cfg},
	})}
}

// PromptStart opens a prompt: it names the prompt, fixes the output audio
// format and voice, and advertises the tool set for the whole prompt.
func PromptStart(promptID, voiceID string, tools []ToolSpec) Event {
	entries := make([]toolSpecEntry, len(tools))
	for i, t := range tools {
		entries[i] = toolSpecEntry{ToolSpec: toolSpecBody{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolInputSchema{JSON: string(t.Schema)},
		}}
	}
	return Event{Kind: KindPromptStart, Body: encode(map[string]any{
		"promptStart": promptStartEvent{
			PromptName:     promptID,
			TextOutputConf: textConfiguration{MediaType: "text/plain"},
			AudioOutputConf: audioOutputConfiguration{
				MediaType:     "audio/lpcm",
				SampleRateHz:  OutputSampleRateHz,
				SampleSizeBit: sampleSizeBits,
				ChannelCount:  channelCount,
				VoiceID:       voiceID,
				Encoding:      "base64",
				AudioType:     "SPEECH",
			},
			ToolUseOutput:     textConfiguration{MediaType: "application/json"},
			ToolConfiguration: toolConfiguration{Tools: entries},
		},
	})}
}

// TextContentStart opens a text content block with the given role.
func TextContentStart(promptID, contentID, role string) Event {
	return Event{Kind: KindContentStart, Body: encode(map[string]any{
		"contentStart": contentStartEvent{
			PromptName:    promptID,
			ContentName:   contentID,
			Type:          TypeText,
			Interactive:   true,
			Role:          role,
			TextInputConf: &textConfiguration{MediaType: "text/plain"},
		},
	})}
}

// AudioContentStart opens the audio input content block for one spoken turn.
func AudioContentStart(promptID, contentID string) Event {
	return Event{Kind: KindContentStart, Body: encode(map[string]any{
		"contentStart": contentStartEvent{
			PromptName:  promptID,
			ContentName: contentID,
			Type:        TypeAudio,
			Interactive: true,
			Role:        RoleUser,
			AudioInputConf: &audioInputConfiguration{
				MediaType:     "audio/lpcm",
				SampleRateHz:  InputSampleRateHz,
				SampleSizeBit: sampleSizeBits,
				ChannelCount:  channelCount,
				AudioType:     "SPEECH",
				Encoding:      "base64",
			},
		},
	})}
}

// ToolContentStart opens the content block that carries a tool result back
// to the model, referencing the toolUseId the model issued.
func ToolContentStart(promptID, contentID, toolUseID string) Event {
	return Event{Kind: KindContentStart, Body: encode(map[string]any{
		"contentStart": contentStartEvent{
			PromptName:  promptID,
			ContentName: contentID,
			Type:        TypeTool,
			Interactive: false,
			Role:        RoleTool,
			ToolResultConf: &toolResultInputConfiguration{
				ToolUseID:     toolUseID,
				Type:          TypeText,
				TextInputConf: textConfiguration{MediaType: "text/plain"},
			},
		},
	})}
}

// TextInput carries one text message inside an open text content block.
func TextInput(promptID, contentID, content string) Event {
	return Event{Kind: KindTextInput, Body: encode(map[string]any{
		"textInput": textInputEvent{PromptName: promptID, ContentName: contentID, Content: content},
	})}
}

// AudioInput carries one chunk of raw 16 kHz PCM, base64-encoded.
func AudioInput(promptID, contentID string, pcm []byte) Event {
	return Event{Kind: KindAudioInput, Body: encode(map[string]any{
		"audioInput": audioInputEvent{
			PromptName:  promptID,
			ContentName: contentID,
			Content:     base64.StdEncoding.EncodeToString(pcm),
		},
	})}
}

// ToolResult carries the serialized result document of one tool execution.
func ToolResult(promptID, contentID, content string) Event {
	return Event{Kind: KindToolResult, Body: encode(map[string]any{
		"toolResult": toolResultEvent{PromptName: promptID, ContentName: contentID, Content: content},
	})}
}

// ContentEnd closes an open content block.
func ContentEnd(promptID, contentID string) Event {
	return Event{Kind: KindContentEnd, Body: encode(map[string]any{
		"contentEnd": contentEndEvent{PromptName: promptID, ContentName: contentID},
	})}
}

// PromptEnd closes the prompt.
func PromptEnd(promptID string) Event {
	return Event{Kind: KindPromptEnd, Body: encode(map[string]any{
		"promptEnd": promptEndEvent{PromptName: promptID},
	})}
}

// SessionEnd is the last event of every model stream.
func SessionEnd() Event {
	return Event{Kind: KindSessionEnd, Body: encode(map[string]any{
		"sessionEnd": struct{}{},
	})}
}
