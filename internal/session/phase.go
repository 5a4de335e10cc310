package session

// Phase is a discrete state in the session state machine. Phases only
// advance along the documented transitions; the single backward edge is
// AudioClosed → PromptStarted when a new turn begins.
type Phase string

const (
	PhaseCreated         Phase = "Created"
	PhaseInitialized     Phase = "Initialized"
	PhasePromptStarted   Phase = "PromptStarted"
	PhaseSystemPromptSet Phase = "SystemPromptSet"
	PhaseAudioOpen       Phase = "AudioOpen"
	PhaseAudioClosed     Phase = "AudioClosed"
	PhaseTerminated      Phase = "Terminated"
	PhaseErrored         Phase = "Errored"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseCreated, PhaseInitialized, PhasePromptStarted, PhaseSystemPromptSet,
		PhaseAudioOpen, PhaseAudioClosed, PhaseTerminated, PhaseErrored:
		return true
	}
	return false
}

// Terminal reports whether p is an absorbing phase.
func (p Phase) Terminal() bool {
	return p == PhaseTerminated || p == PhaseErrored
}

func (p Phase) oneOf(phases ...Phase) bool {
	for _, c := range phases {
		if p == c {
			return true
		}
	}
	return false
}
