package gateway

import "encoding/json"

// clientFrame is the flat JSON envelope browsers send over the socket.
type clientFrame struct {
	// Type selects the operation: startSession, audioStart, audioData
	// or audioStop.
	Type string `json:"type"`
	// SessionID optionally proposes a session id on startSession. The
	// server always answers with the authoritative id.
	SessionID string `json:"sessionId,omitempty"`
	// Content carries the serialized chat history on startSession.
	Content string `json:"content,omitempty"`
	// Audio carries a base64-encoded PCM chunk on audioData.
	Audio string `json:"audio,omitempty"`
}

// serverFrame is the envelope for everything the gateway sends back.
// Data is omitted for frames that carry no payload, such as
// streamComplete.
type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Frame type names on the server-to-client leg.
const (
	frameWelcome        = "welcome"
	frameSessionStarted = "sessionStarted"
	frameSessionReady   = "sessionReady"
	frameContentStart   = "contentStart"
	frameTextOutput     = "textOutput"
	frameAudioOutput    = "audioOutput"
	frameContentEnd     = "contentEnd"
	frameStreamComplete = "streamComplete"
	frameSessionTimeout = "sessionTimeout"
	frameError          = "error"
)

type welcomePayload struct {
	User userInfo `json:"user"`
}

type userInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type sessionStartedPayload struct {
	SessionID string `json:"sessionId"`
}

type sessionReadyPayload struct {
	Message string `json:"message"`
	State   string `json:"state"`
}

type contentStartPayload struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	// AdditionalModelFields is forwarded as a parsed JSON object so
	// clients can read fields like generationStage directly.
	AdditionalModelFields json.RawMessage `json:"additionalModelFields,omitempty"`
}

type textOutputPayload struct {
	Content      string `json:"content"`
	Role         string `json:"role"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
}

type audioOutputPayload struct {
	Content string `json:"content"`
}

type contentEndPayload struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	StopReason   string `json:"stopReason,omitempty"`
}

type sessionTimeoutPayload struct {
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	SessionID string `json:"sessionId"`
}

type errorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
