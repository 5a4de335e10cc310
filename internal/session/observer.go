package session

import "github.com/voicelayer/sonicgate/pkg/novasonic"

// Observer receives a session's model-side events. The connection handler
// implements it to forward client-visible output; every method must return
// quickly and never call back into the session's transition methods.
//
// Embed [NopObserver] to implement only the methods of interest.
type Observer interface {
	// OnContentStart announces a new output block. Tool-typed blocks are
	// filtered out before dispatch and never reach the observer.
	OnContentStart(ev novasonic.ContentStartOutput)

	// OnTextOutput delivers transcript text for an output block.
	OnTextOutput(ev novasonic.TextOutput)

	// OnAudioOutput delivers a base64 PCM chunk of synthesized speech.
	OnAudioOutput(ev novasonic.AudioOutput)

	// OnContentEnd closes an output block. A stop reason of INTERRUPTED
	// means the user barged in and buffered audio should be discarded.
	OnContentEnd(ev novasonic.ContentEndOutput)

	// OnToolResult reports a completed tool invocation. Observability
	// only; tool traffic itself is never client-visible.
	OnToolResult(toolUseID, toolName string, status string)

	// OnStreamComplete marks the model stream's terminal frame. Emitted at
	// most once per session.
	OnStreamComplete()

	// OnTimeout reports a model-side reset or idle cutoff. The session is
	// being torn down when this fires.
	OnTimeout(reason string)

	// OnError reports a fatal session error other than a timeout.
	OnError(err error)
}

// NopObserver implements [Observer] with no-ops.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnContentStart(novasonic.ContentStartOutput) {}
func (NopObserver) OnTextOutput(novasonic.TextOutput)           {}
func (NopObserver) OnAudioOutput(novasonic.AudioOutput)         {}
func (NopObserver) OnContentEnd(novasonic.ContentEndOutput)     {}
func (NopObserver) OnToolResult(string, string, string)         {}
func (NopObserver) OnStreamComplete()                           {}
func (NopObserver) OnTimeout(string)                            {}
func (NopObserver) OnError(error)                               {}
