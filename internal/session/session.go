// Package session holds the authoritative per-connection state for one
// model conversation: the phase machine, the outbound event queue, and the
// observer that receives model output.
//
// A session owns no I/O. The connection handler drives its transitions,
// the stream worker drains its queue and dispatches inbound events through
// its observer, and the registry decides whether it exists at all.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// Defaults applied by [New] when Config leaves them zero.
const (
	defaultQueueCap = 512
	defaultSettle   = 100 * time.Millisecond
)

// ErrSessionClosed is returned for enqueue attempts on a terminated or
// errored session.
var ErrSessionClosed = errors.New("session: closed")

// IllegalTransitionError reports a state-machine input that is not legal
// in the session's current phase. Illegal transitions fail loudly; they
// are never a silent no-op.
type IllegalTransitionError struct {
	SessionID string
	From      Phase
	Input     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %q from phase %s", e.SessionID, e.Input, e.From)
}

// Config configures a [Session].
type Config struct {
	// VoiceID selects the synthesized voice declared in promptStart.
	VoiceID string

	// Tools is the structured tool configuration embedded in promptStart.
	Tools []novasonic.ToolSpec

	// Inference holds the sampling parameters sent in sessionStart.
	Inference novasonic.InferenceConfig

	// QueueCap is the outbound queue's soft cap. Exceeding it is fatal for
	// the session. Defaults to 512 if zero; negative means unbounded.
	QueueCap int

	// Settle is how long a transition waits after enqueuing a
	// phase-boundary batch, so the model observes the events in separate
	// frames. Defaults to 100ms if zero; negative disables the pause.
	Settle time.Duration

	// Clock overrides time.Now for activity stamps. Tests only.
	Clock func() time.Time
}

// Session is the central per-connection entity. All mutable state is
// guarded by one session-local mutex; the lock is never held across I/O
// or the settle pause.
type Session struct {
	id       string
	promptID string
	identity auth.Identity
	voiceID  string
	tools    []novasonic.ToolSpec
	infer    novasonic.InferenceConfig
	settle   time.Duration
	now      func() time.Time
	queue    *queue

	mu             sync.Mutex
	phase          Phase
	audioContentID string
	active         bool
	firstTurn      bool
	turnComplete   bool
	systemPrompt   string
	failReason     string
	observer       Observer
	createdAt      time.Time
	lastActivity   time.Time
}

// New creates a session in phase Created. An empty id is replaced with a
// generated one. The prompt identifier is minted here and kept for the
// session's lifetime; new turns resume the same prompt.
func New(id string, identity auth.Identity, cfg Config) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	queueCap := cfg.QueueCap
	if queueCap == 0 {
		queueCap = defaultQueueCap
	}
	if queueCap < 0 {
		queueCap = 0
	}
	settle := cfg.Settle
	if settle == 0 {
		settle = defaultSettle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Session{
		id:           id,
		promptID:     uuid.NewString(),
		identity:     identity,
		voiceID:      cfg.VoiceID,
		tools:        cfg.Tools,
		infer:        cfg.Inference,
		settle:       settle,
		now:          clock,
		queue:        newQueue(queueCap),
		phase:        PhaseCreated,
		active:       true,
		firstTurn:    true,
		observer:     NopObserver{},
		createdAt:    now,
		lastActivity: now,
	}
}

// ── transitions ──────────────────────────────────────────────────────────

// Initialize records that the model stream is open and enqueues the
// sessionStart event. Created → Initialized.
func (s *Session) Initialize(ctx context.Context) error {
	return s.transition(ctx, "initialize", PhaseInitialized, func() []novasonic.Event {
		return []novasonic.Event{novasonic.SessionStart(s.infer)}
	}, PhaseCreated)
}

// BeginPrompt enqueues promptStart with the session's tool configuration.
// Initialized → PromptStarted.
func (s *Session) BeginPrompt(ctx context.Context) error {
	return s.transition(ctx, "begin prompt", PhasePromptStarted, func() []novasonic.Event {
		return []novasonic.Event{novasonic.PromptStart(s.promptID, s.voiceID, s.tools)}
	}, PhaseInitialized)
}

// SetSystemPrompt enqueues the system text block and caches the text for
// re-injection on later turns. PromptStarted → SystemPromptSet.
func (s *Session) SetSystemPrompt(ctx context.Context, text string) error {
	return s.transition(ctx, "set system prompt", PhaseSystemPromptSet, func() []novasonic.Event {
		s.systemPrompt = text
		contentID := uuid.NewString()
		return []novasonic.Event{
			novasonic.TextContentStart(s.promptID, contentID, novasonic.RoleSystem),
			novasonic.TextInput(s.promptID, contentID, text),
			novasonic.ContentEnd(s.promptID, contentID),
		}
	}, PhasePromptStarted)
}

// InjectHistory replays prior conversation messages in order, each as its
// own text block. Legal only in SystemPromptSet, which it stays in.
func (s *Session) InjectHistory(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.transition(ctx, "inject history", PhaseSystemPromptSet, func() []novasonic.Event {
		evs := make([]novasonic.Event, 0, len(msgs)*3)
		for _, m := range msgs {
			contentID := uuid.NewString()
			evs = append(evs,
				novasonic.TextContentStart(s.promptID, contentID, m.Role),
				novasonic.TextInput(s.promptID, contentID, m.Text),
				novasonic.ContentEnd(s.promptID, contentID),
			)
		}
		return evs
	}, PhaseSystemPromptSet)
}

// StartAudio opens a new audio input segment under a fresh content
// identifier; identifiers are never reused across segments.
// SystemPromptSet | AudioClosed → AudioOpen.
func (s *Session) StartAudio(ctx context.Context) error {
	return s.transition(ctx, "start audio", PhaseAudioOpen, func() []novasonic.Event {
		s.audioContentID = uuid.NewString()
		s.turnComplete = false
		return []novasonic.Event{novasonic.AudioContentStart(s.promptID, s.audioContentID)}
	}, PhaseSystemPromptSet, PhaseAudioClosed)
}

// AppendAudio enqueues one PCM chunk for the open audio segment. Legal
// only in AudioOpen. No settle pause: this is the hot path.
func (s *Session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.phase != PhaseAudioOpen {
		err := &IllegalTransitionError{SessionID: s.id, From: s.phase, Input: "audio chunk"}
		s.mu.Unlock()
		return err
	}
	ev := novasonic.AudioInput(s.promptID, s.audioContentID, pcm)
	if err := s.queue.enqueue(ev); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastActivity = s.now()
	s.mu.Unlock()
	return nil
}

// EndAudio closes the current audio segment. AudioOpen → AudioClosed.
func (s *Session) EndAudio(ctx context.Context) error {
	return s.transition(ctx, "stop audio", PhaseAudioClosed, func() []novasonic.Event {
		return []novasonic.Event{novasonic.ContentEnd(s.promptID, s.audioContentID)}
	}, PhaseAudioOpen)
}

// BeginTurn re-opens the prompt after a completed turn. The caller
// re-injects the cached system prompt afterwards, then starts audio.
// AudioClosed → PromptStarted.
func (s *Session) BeginTurn(ctx context.Context) error {
	return s.transition(ctx, "start new turn", PhasePromptStarted, func() []novasonic.Event {
		s.firstTurn = false
		s.turnComplete = false
		return []novasonic.Event{novasonic.PromptStart(s.promptID, s.voiceID, s.tools)}
	}, PhaseAudioClosed)
}

// EnqueueToolResult appends the three-frame tool result group — content
// start, toolResult, content end — atomically under the derived content
// identifier, so no other outbound event interleaves within the group.
// Legal in any non-terminal phase.
func (s *Session) EnqueueToolResult(toolUseID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	contentID := "tool-result-" + toolUseID
	if err := s.queue.enqueue(
		novasonic.ToolContentStart(s.promptID, contentID, toolUseID),
		novasonic.ToolResult(s.promptID, contentID, content),
		novasonic.ContentEnd(s.promptID, contentID),
	); err != nil {
		return err
	}
	s.lastActivity = s.now()
	return nil
}

// Close drives the session to Terminated, flushing whatever teardown
// frames the reached phase requires. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return nil
	}
	var evs []novasonic.Event
	if s.phase == PhaseAudioOpen {
		evs = append(evs, novasonic.ContentEnd(s.promptID, s.audioContentID))
	}
	if s.phase.oneOf(PhasePromptStarted, PhaseSystemPromptSet, PhaseAudioOpen, PhaseAudioClosed) {
		evs = append(evs, novasonic.PromptEnd(s.promptID))
	}
	if s.phase != PhaseCreated {
		evs = append(evs, novasonic.SessionEnd())
	}
	// Teardown frames bypass the cap; they must reach the model even when
	// the queue is saturated.
	s.queue.force(evs...)
	s.phase = PhaseTerminated
	s.active = false
	s.lastActivity = s.now()
	return nil
}

// Fail drives the session to Errored without enqueuing anything further.
// The first reason wins; later calls are no-ops.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return
	}
	s.phase = PhaseErrored
	s.active = false
	s.failReason = reason
	s.lastActivity = s.now()
}

// transition validates the phase, enqueues the built batch atomically and
// advances. build runs under the session lock and may touch session state.
func (s *Session) transition(ctx context.Context, input string, to Phase, build func() []novasonic.Event, allowed ...Phase) error {
	s.mu.Lock()
	if !s.phase.oneOf(allowed...) {
		err := &IllegalTransitionError{SessionID: s.id, From: s.phase, Input: input}
		s.mu.Unlock()
		return err
	}
	if err := s.queue.enqueue(build()...); err != nil {
		s.mu.Unlock()
		return err
	}
	s.phase = to
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.pause(ctx)
	return nil
}

// pause yields after a phase-boundary batch so the model sees the events
// in separate frames.
func (s *Session) pause(ctx context.Context) {
	if s.settle <= 0 {
		return
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ── worker surface ───────────────────────────────────────────────────────

// NextOutbound pops the oldest queued event. Only the stream worker calls
// this.
func (s *Session) NextOutbound() (novasonic.Event, bool) {
	return s.queue.pop()
}

// OutboundReady signals arrivals on the outbound queue.
func (s *Session) OutboundReady() <-chan struct{} {
	return s.queue.ready()
}

// QueueLen returns the number of events awaiting dispatch.
func (s *Session) QueueLen() int {
	return s.queue.len()
}

// MarkTurnComplete records that the model reported the current turn done.
// The next audio start then begins a new turn instead of barging in.
func (s *Session) MarkTurnComplete() {
	s.mu.Lock()
	s.turnComplete = true
	s.mu.Unlock()
}

// Touch records inbound activity for idle-timeout accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// SetObserver replaces the session's observer; nil restores the no-op
// observer.
func (s *Session) SetObserver(obs Observer) {
	if obs == nil {
		obs = NopObserver{}
	}
	s.mu.Lock()
	s.observer = obs
	s.mu.Unlock()
}

// Observer returns the current observer, never nil.
func (s *Session) Observer() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// ── accessors ────────────────────────────────────────────────────────────

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// PromptID returns the immutable prompt identifier.
func (s *Session) PromptID() string { return s.promptID }

// Identity returns the authenticated principal bound at creation.
func (s *Session) Identity() auth.Identity { return s.identity }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Active reports whether the session has not yet reached a terminal phase.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// FirstTurn reports whether the session is still on its initial turn.
func (s *Session) FirstTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstTurn
}

// TurnComplete reports whether the model finished the latest turn.
func (s *Session) TurnComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnComplete
}

// SystemPrompt returns the cached system prompt text.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// FailReason returns the reason recorded by [Session.Fail], if any.
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActivity returns the time of the most recent enqueue or inbound
// dispatch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
