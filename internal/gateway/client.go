package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/internal/session"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

const (
	// writeTimeout bounds each socket write so one stuck client cannot
	// wedge its session goroutines.
	writeTimeout = 10 * time.Second

	// drainGrace is how long teardown waits for the worker to flush
	// teardown frames before giving up on the stream.
	drainGrace = 5 * time.Second

	// closeGrace bounds the websocket close handshake. A server-initiated
	// close races the frame loop's pending read for the connection, so
	// waiting on the full handshake can stall until the peer answers;
	// after the grace the connection is cut without it.
	closeGrace = 500 * time.Millisecond
)

// clientConn is one browser connection: the socket, the authenticated
// identity, the session and its stream worker. It implements
// session.Observer to turn model-side events into client frames.
type clientConn struct {
	srv      *Server
	ws       *websocket.Conn
	identity auth.Identity
	log      *slog.Logger

	sess *session.Session

	// worker is written by startSession on the frame-loop goroutine and
	// read by teardown, which Shutdown may call from its own goroutine.
	worker atomic.Pointer[Worker]

	writeMu   sync.Mutex
	closeOnce sync.Once
	timedOut  atomic.Bool

	// audioStopAt stamps the last audioStop (UnixNano) until the first
	// reply audio chunk consumes it for the response-delay histogram.
	audioStopAt atomic.Int64
}

var _ session.Observer = (*clientConn)(nil)

// handleSocket upgrades the request, authenticates it and runs the frame
// loop until either side closes.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The identity token gates access, not the Origin header; browsers
	// on any host may connect if they hold a valid token.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	c := &clientConn{srv: s, ws: ws, log: s.log}

	token := bearerToken(r)
	if token == "" {
		c.reject(ctx, "no_token", "No identity token presented")
		return
	}
	identity, err := s.cfg.Auth.Verify(ctx, token)
	if err != nil {
		s.log.Warn("token rejected", "error", err)
		c.reject(ctx, authReason(err), "Authentication failed")
		return
	}
	c.identity = identity
	c.log = s.log.With("user_id", identity.UserID)

	sess := session.New("", identity, s.sessionConfig())
	if err := s.sessions.Add(sess); err != nil {
		c.log.Warn("session refused", "error", err)
		c.send(frameError, errorPayload{Message: "Too many concurrent sessions"})
		ws.Close(websocket.StatusTryAgainLater, "session limit reached")
		return
	}
	c.sess = sess
	c.log = c.log.With("session_id", sess.ID())
	sess.SetObserver(c)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionsStarted.Add(ctx, 1)
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}

	if !s.track(c) {
		c.teardown(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	c.log.Info("client connected", "username", identity.Username)
	c.send(frameWelcome, welcomePayload{User: userInfo{
		UserID:   identity.UserID,
		Username: identity.Username,
	}})

	c.run(ctx)
}

// reject closes an unauthenticated connection with a policy-violation
// status, preceded by a framed error so browsers see a reason.
func (c *clientConn) reject(ctx context.Context, reason, msg string) {
	if c.srv.cfg.Metrics != nil {
		c.srv.cfg.Metrics.RecordAuthRejection(ctx, reason)
	}
	c.send(frameError, errorPayload{Message: msg})
	c.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "no_token"
	case errors.Is(err, auth.ErrKeyFetch):
		return "key_fetch"
	case errors.Is(err, auth.ErrKeyNotFound):
		return "key_not_found"
	default:
		return "invalid"
	}
}

// bearerToken pulls the identity token from the idToken query parameter or
// the Authorization header. The token itself is never logged.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("idToken"); tok != "" {
		return tok
	}
	if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// run reads client frames until the socket drops or a fatal session error
// ends the loop. Teardown runs exactly once on the way out, whatever the
// exit path.
func (c *clientConn) run(ctx context.Context) {
	defer c.teardown(websocket.StatusNormalClosure, "session closed")

	// Until startSession hands activity tracking to the worker, the frame
	// loop enforces the idle deadline itself: a client that authenticates
	// and then goes silent must not hold its registry slot.
	idle := c.srv.idleTimeout()
	var idleWatch *time.Timer
	if idle > 0 {
		idleWatch = time.AfterFunc(idle, func() {
			if c.worker.Load() != nil {
				return
			}
			c.timedOut.Store(true)
			c.log.Warn("no session started before the idle deadline")
			c.send(frameSessionTimeout, sessionTimeoutPayload{
				Message:   "Session timed out due to inactivity",
				Details:   "no session started before the idle deadline",
				SessionID: c.sess.ID(),
			})
			c.closeSocket(websocket.StatusNormalClosure, "session timed out")
		})
		defer idleWatch.Stop()
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.log.Debug("socket read ended", "error", err)
			return
		}
		if idleWatch != nil {
			if c.worker.Load() == nil {
				idleWatch.Reset(idle)
			} else {
				idleWatch.Stop()
				idleWatch = nil
			}
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(frameError, errorPayload{Message: "Malformed frame", Details: err.Error()})
			continue
		}

		if err := c.handleFrame(ctx, f); err != nil {
			c.log.Warn("closing after fatal frame error", "error", err)
			return
		}
	}
}

// handleFrame dispatches one client frame. A returned error is fatal for
// the session; recoverable slips (unknown frame kinds, bad base64) answer
// with an error frame and keep the session alive.
func (c *clientConn) handleFrame(ctx context.Context, f clientFrame) error {
	switch f.Type {
	case "startSession":
		return c.startSession(ctx, f)
	case "audioStart":
		return c.startAudio(ctx)
	case "audioData":
		return c.appendAudio(ctx, f)
	case "audioStop":
		return c.stopAudio(ctx)
	default:
		c.send(frameError, errorPayload{Message: fmt.Sprintf("Unknown frame type %q", f.Type)})
		return nil
	}
}

// startSession opens the model stream, starts the worker and drives the
// session through initialize, prompt start, system prompt and optional
// history replay, then confirms readiness to the client.
func (c *clientConn) startSession(ctx context.Context, f clientFrame) error {
	if c.worker.Load() != nil {
		return c.fatal(ctx, &session.IllegalTransitionError{
			SessionID: c.sess.ID(),
			From:      c.sess.Phase(),
			Input:     "startSession",
		})
	}
	if f.SessionID != "" && f.SessionID != c.sess.ID() {
		c.log.Debug("ignoring client session id proposal", "proposed", f.SessionID)
	}

	stream, err := c.srv.cfg.Provider.OpenStream(ctx)
	if err != nil {
		c.send(frameError, errorPayload{Message: "Failed to reach the model", Details: err.Error()})
		return fmt.Errorf("open stream: %w", err)
	}
	w := NewWorker(c.sess, stream, WorkerConfig{
		IdleTimeout: c.srv.idleTimeout(),
		Tools:       c.srv.tools,
		Metrics:     c.srv.cfg.Metrics,
		Logger:      c.srv.log,
	})
	c.worker.Store(w)
	go w.Run(ctx)

	if err := c.sess.Initialize(ctx); err != nil {
		return c.fatal(ctx, err)
	}
	if err := c.sess.BeginPrompt(ctx); err != nil {
		return c.fatal(ctx, err)
	}
	prompt := ComposeSystemPrompt(c.identity.Username, c.srv.cfg.Tools.Specs())
	if err := c.sess.SetSystemPrompt(ctx, prompt); err != nil {
		return c.fatal(ctx, err)
	}
	if f.Content != "" {
		msgs := session.ParseHistory(f.Content)
		if len(msgs) > 0 {
			if err := c.sess.InjectHistory(ctx, msgs); err != nil {
				return c.fatal(ctx, err)
			}
			c.log.Debug("history injected", "messages", len(msgs))
		}
	}

	c.send(frameSessionStarted, sessionStartedPayload{SessionID: c.sess.ID()})
	c.send(frameSessionReady, sessionReadyPayload{
		Message: "Session is ready; start streaming audio",
		State:   string(c.sess.Phase()),
	})
	return nil
}

// startAudio opens an audio input segment. After a completed turn it first
// re-opens the prompt; after a barge-in the segment opens directly against
// the still-live prompt.
func (c *clientConn) startAudio(ctx context.Context) error {
	if c.sess.Phase() == session.PhaseAudioClosed && c.sess.TurnComplete() {
		if err := c.sess.BeginTurn(ctx); err != nil {
			return c.fatal(ctx, err)
		}
		if err := c.sess.SetSystemPrompt(ctx, c.sess.SystemPrompt()); err != nil {
			return c.fatal(ctx, err)
		}
	} else if c.sess.Phase() == session.PhaseAudioClosed {
		if c.srv.cfg.Metrics != nil {
			c.srv.cfg.Metrics.BargeIns.Add(ctx, 1)
		}
		c.log.Debug("barge-in, resuming audio on open prompt")
	}
	if err := c.sess.StartAudio(ctx); err != nil {
		return c.fatal(ctx, err)
	}
	return nil
}

// appendAudio forwards one base64 PCM chunk. Bad base64 is a recoverable
// client slip; a phase violation or queue overflow is fatal.
func (c *clientConn) appendAudio(ctx context.Context, f clientFrame) error {
	pcm, err := base64.StdEncoding.DecodeString(f.Audio)
	if err != nil {
		c.send(frameError, errorPayload{Message: "Audio payload is not valid base64"})
		return nil
	}
	if err := c.sess.AppendAudio(pcm); err != nil {
		return c.fatal(ctx, err)
	}
	if c.srv.cfg.Metrics != nil {
		c.srv.cfg.Metrics.RecordAudioFrame(ctx, "in")
	}
	return nil
}

func (c *clientConn) stopAudio(ctx context.Context) error {
	if err := c.sess.EndAudio(ctx); err != nil {
		return c.fatal(ctx, err)
	}
	if c.srv.cfg.Metrics != nil {
		c.audioStopAt.Store(time.Now().UnixNano())
	}
	return nil
}

// fatal reports a session-ending error to the client and returns it so the
// frame loop exits into teardown.
func (c *clientConn) fatal(ctx context.Context, err error) error {
	msg := "Internal session error"
	var illegal *session.IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		msg = illegal.Error()
	case errors.Is(err, session.ErrQueueOverflow):
		msg = "Outbound queue overflow; closing session"
	case errors.Is(err, session.ErrSessionClosed):
		msg = "Session already closed"
	}
	c.send(frameError, errorPayload{Message: msg})
	return err
}

// teardown drives the session to a terminal phase, waits for the worker to
// flush, releases the registry slot and closes the socket. Runs once; every
// exit path funnels here.
func (c *clientConn) teardown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if c.sess != nil {
			c.sess.Close()
		}
		if w := c.worker.Load(); w != nil {
			select {
			case <-w.Done():
			case <-time.After(drainGrace):
				c.log.Warn("worker did not drain in time")
			}
		}
		if c.sess != nil {
			c.srv.sessions.Remove(c.sess.ID())
			if c.srv.cfg.Metrics != nil {
				c.srv.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
				c.srv.cfg.Metrics.RecordSessionEnd(context.Background(), c.endReason(), time.Since(c.sess.CreatedAt()))
			}
			c.log.Info("session closed", "phase", c.sess.Phase(), "reason", reason)
		}
		c.closeSocket(code, reason)
	})
}

// closeSocket attempts the close handshake but cuts the connection off
// after closeGrace. A peer that never answers the close frame (or a frame
// loop still parked in its read) would otherwise stall the caller for the
// library's full close-wait; the close frame itself goes out first either
// way.
func (c *clientConn) closeSocket(code websocket.StatusCode, reason string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ws.Close(code, reason)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		c.ws.CloseNow()
	}
}

// endReason classifies how the session ended for the sessions-ended
// metric.
func (c *clientConn) endReason() string {
	if c.timedOut.Load() {
		return "timeout"
	}
	if c.sess.Phase() == session.PhaseErrored {
		return "error"
	}
	return "client"
}

// send marshals and writes one frame. Write failures are logged and
// dropped; the read loop notices a dead socket on its own.
func (c *clientConn) send(frameType string, payload any) {
	b, err := json.Marshal(serverFrame{Type: frameType, Data: payload})
	if err != nil {
		c.log.Error("frame marshal failed", "frame", frameType, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		c.log.Debug("frame write failed", "frame", frameType, "error", err)
	}
}

// ── session.Observer ─────────────────────────────────────────────────────

func (c *clientConn) OnContentStart(ev novasonic.ContentStartOutput) {
	p := contentStartPayload{
		Type:         ev.Type,
		Role:         ev.Role,
		CompletionID: ev.CompletionID,
		ContentID:    ev.ContentID,
	}
	if ev.AdditionalModelFields != "" {
		if json.Valid([]byte(ev.AdditionalModelFields)) {
			p.AdditionalModelFields = json.RawMessage(ev.AdditionalModelFields)
		} else {
			c.log.Debug("dropping unparseable additionalModelFields")
		}
	}
	c.send(frameContentStart, p)
}

func (c *clientConn) OnTextOutput(ev novasonic.TextOutput) {
	c.send(frameTextOutput, textOutputPayload{
		Content:      ev.Content,
		Role:         ev.Role,
		CompletionID: ev.CompletionID,
		ContentID:    ev.ContentID,
	})
}

func (c *clientConn) OnAudioOutput(ev novasonic.AudioOutput) {
	if c.srv.cfg.Metrics != nil {
		if t := c.audioStopAt.Swap(0); t != 0 {
			c.srv.cfg.Metrics.ResponseDelay.Record(context.Background(), time.Since(time.Unix(0, t)).Seconds())
		}
	}
	c.send(frameAudioOutput, audioOutputPayload{Content: ev.Content})
}

func (c *clientConn) OnContentEnd(ev novasonic.ContentEndOutput) {
	c.send(frameContentEnd, contentEndPayload{
		Type:         ev.Type,
		Role:         ev.Role,
		CompletionID: ev.CompletionID,
		ContentID:    ev.ContentID,
		StopReason:   ev.StopReason,
	})
}

func (c *clientConn) OnToolResult(toolUseID, toolName string, status string) {
	c.log.Debug("tool result", "tool", toolName, "tool_use_id", toolUseID, "status", status)
}

func (c *clientConn) OnStreamComplete() {
	c.send(frameStreamComplete, nil)
}

func (c *clientConn) OnTimeout(reason string) {
	c.timedOut.Store(true)
	c.send(frameSessionTimeout, sessionTimeoutPayload{
		Message:   "Session timed out due to inactivity",
		Details:   reason,
		SessionID: c.sess.ID(),
	})
	c.closeSocket(websocket.StatusNormalClosure, "session timed out")
}

func (c *clientConn) OnError(err error) {
	c.send(frameError, errorPayload{
		Message: "Session error",
		Details: err.Error(),
	})
	c.closeSocket(websocket.StatusInternalError, "session error")
}
