package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/internal/gateway"
	"github.com/voicelayer/sonicgate/internal/taskstore"
	"github.com/voicelayer/sonicgate/internal/tools"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
	"github.com/voicelayer/sonicgate/pkg/novasonic/mock"
)

type stubVerifier struct {
	identity auth.Identity
	err      error
}

func (v *stubVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if v.err != nil {
		return auth.Identity{}, v.err
	}
	return v.identity, nil
}

type harness struct {
	gw       *gateway.Server
	st       *mock.Stream
	provider *mock.Provider
	url      string
}

func newHarness(t *testing.T, mutate func(*gateway.Config)) *harness {
	t.Helper()
	st := mock.NewStream()
	provider := &mock.Provider{Stream: st}
	reg := tools.NewRegistry()
	if err := tools.RegisterTaskTools(reg, taskstore.NewMemory()); err != nil {
		t.Fatalf("RegisterTaskTools: %v", err)
	}
	cfg := gateway.Config{
		Auth:     &stubVerifier{identity: ident},
		Provider: provider,
		Tools:    reg,
		Logger:   quiet(),
		VoiceID:  "matthew",
		Settle:   -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := gateway.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{
		gw:       gw,
		st:       st,
		provider: provider,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/novasonic",
	}
}

// dial connects to the harness. token is appended as the idToken query
// parameter unless empty.
func dial(t *testing.T, h *harness, token string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	u := h.url
	if token != "" {
		u += "?idToken=" + token
	}
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return f
}

// expectFrame reads the next frame and fails unless it has the wanted type.
func expectFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) frame {
	t.Helper()
	f := readFrame(t, ctx, conn)
	if f.Type != want {
		t.Fatalf("frame type = %s (data %s), want %s", f.Type, f.Data, want)
	}
	return f
}

// expectClose reads until the socket reports closed and returns the status.
func expectClose(t *testing.T, ctx context.Context, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("socket never closed: %v", err)
			}
			return websocket.CloseStatus(err)
		}
	}
}

// startSession drives a fresh connection through welcome and session start.
func startSession(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	expectFrame(t, ctx, conn, "welcome")
	sendFrame(t, ctx, conn, map[string]string{"type": "startSession"})
	started := expectFrame(t, ctx, conn, "sessionStarted")
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(started.Data, &payload); err != nil {
		t.Fatalf("unmarshal sessionStarted: %v", err)
	}
	if payload.SessionID == "" {
		t.Fatal("sessionStarted carries no session id")
	}
	expectFrame(t, ctx, conn, "sessionReady")
	return payload.SessionID
}

func countKind(kinds []novasonic.Kind, k novasonic.Kind) int {
	n := 0
	for _, kind := range kinds {
		if kind == k {
			n++
		}
	}
	return n
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "")

	f := expectFrame(t, ctx, conn, "error")
	if !strings.Contains(string(f.Data), "No identity token") {
		t.Errorf("error payload = %s", f.Data)
	}
	if code := expectClose(t, ctx, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", code)
	}
	if n := h.gw.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d after rejected connection", n)
	}
	if calls := h.provider.Calls(); calls != 0 {
		t.Errorf("model stream opened %d times for rejected connection", calls)
	}
}

func TestGateway_RejectsBadToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.Auth = &stubVerifier{err: auth.ErrTokenInvalid}
	})
	conn, ctx := dial(t, h, "forged")

	f := expectFrame(t, ctx, conn, "error")
	if !strings.Contains(string(f.Data), "Authentication failed") {
		t.Errorf("error payload = %s", f.Data)
	}
	if code := expectClose(t, ctx, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", code)
	}
	if n := h.gw.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d after rejected connection", n)
	}
}

func TestGateway_WelcomeAndSessionStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")

	f := expectFrame(t, ctx, conn, "welcome")
	var welcome struct {
		User struct {
			UserID   string `json:"userId"`
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(f.Data, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.User.UserID != ident.UserID || welcome.User.Username != ident.Username {
		t.Errorf("welcome user = %+v, want %+v", welcome.User, ident)
	}

	sendFrame(t, ctx, conn, map[string]string{"type": "startSession"})
	expectFrame(t, ctx, conn, "sessionStarted")
	expectFrame(t, ctx, conn, "sessionReady")

	// The model side got the prompt setup, with the user woven into the
	// system text.
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindTextInput) >= 1
	}, "system prompt on stream")
	var systemText string
	for _, ev := range h.st.Sent() {
		if ev.Kind == novasonic.KindTextInput {
			systemText = string(ev.Body)
		}
	}
	if !strings.Contains(systemText, "You are speaking with ada.") {
		t.Errorf("system prompt does not name the user: %s", systemText)
	}
	if got := h.gw.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestGateway_StartSessionReplaysHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")

	expectFrame(t, ctx, conn, "welcome")
	sendFrame(t, ctx, conn, map[string]string{
		"type":    "startSession",
		"content": "User: remind me about milk\nAssistant: Noted, milk it is.\n",
	})
	expectFrame(t, ctx, conn, "sessionStarted")
	expectFrame(t, ctx, conn, "sessionReady")

	// System prompt plus two replayed messages, three text blocks total.
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindTextInput) == 3
	}, "history replay on stream")

	var bodies []string
	for _, ev := range h.st.Sent() {
		if ev.Kind == novasonic.KindTextInput {
			bodies = append(bodies, string(ev.Body))
		}
	}
	if !strings.Contains(bodies[1], "remind me about milk") {
		t.Errorf("first history block = %s", bodies[1])
	}
	if !strings.Contains(bodies[2], "Noted, milk it is.") {
		t.Errorf("second history block = %s", bodies[2])
	}
}

func TestGateway_HelloTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")
	startSession(t, ctx, conn)

	sendFrame(t, ctx, conn, map[string]string{"type": "audioStart"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "UENN"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioStop"})
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindAudioInput) == 1
	}, "audio on stream")

	h.st.Inbound <- []byte(`{"event":{"completionStart":{"completionId":"comp-1"}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentStart":{"completionId":"comp-1","contentId":"text-1","type":"TEXT","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"SPECULATIVE\"}"}}}`)
	h.st.Inbound <- []byte(`{"event":{"textOutput":{"completionId":"comp-1","contentId":"text-1","role":"ASSISTANT","content":"Hello, ada!"}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentEnd":{"completionId":"comp-1","contentId":"text-1","type":"TEXT","role":"ASSISTANT","stopReason":"PARTIAL_TURN"}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentStart":{"completionId":"comp-1","contentId":"audio-1","type":"AUDIO","role":"ASSISTANT"}}}`)
	h.st.Inbound <- []byte(`{"event":{"audioOutput":{"completionId":"comp-1","contentId":"audio-1","content":"UENNUENN"}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentEnd":{"completionId":"comp-1","contentId":"audio-1","type":"AUDIO","role":"ASSISTANT","stopReason":"END_TURN"}}}`)
	h.st.Inbound <- []byte(`{"event":{"completionEnd":{"completionId":"comp-1","stopReason":"END_TURN"}}}`)
	h.st.Inbound <- []byte(`{"event":{"streamComplete":{}}}`)

	first := expectFrame(t, ctx, conn, "contentStart")
	var cs struct {
		Type                  string `json:"type"`
		Role                  string `json:"role"`
		CompletionID          string `json:"completionId"`
		ContentID             string `json:"contentId"`
		AdditionalModelFields struct {
			GenerationStage string `json:"generationStage"`
		} `json:"additionalModelFields"`
	}
	if err := json.Unmarshal(first.Data, &cs); err != nil {
		t.Fatalf("unmarshal contentStart: %v", err)
	}
	if cs.Type != "TEXT" || cs.Role != "ASSISTANT" || cs.CompletionID != "comp-1" || cs.ContentID != "text-1" {
		t.Errorf("contentStart payload = %+v", cs)
	}
	if cs.AdditionalModelFields.GenerationStage != "SPECULATIVE" {
		t.Errorf("additionalModelFields not forwarded as object: %s", first.Data)
	}

	text := expectFrame(t, ctx, conn, "textOutput")
	if !strings.Contains(string(text.Data), "Hello, ada!") {
		t.Errorf("textOutput payload = %s", text.Data)
	}
	expectFrame(t, ctx, conn, "contentEnd")
	expectFrame(t, ctx, conn, "contentStart")
	audio := expectFrame(t, ctx, conn, "audioOutput")
	if !strings.Contains(string(audio.Data), "UENNUENN") {
		t.Errorf("audioOutput payload = %s", audio.Data)
	}
	end := expectFrame(t, ctx, conn, "contentEnd")
	if !strings.Contains(string(end.Data), "END_TURN") {
		t.Errorf("final contentEnd payload = %s", end.Data)
	}
	expectFrame(t, ctx, conn, "streamComplete")

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, 2*time.Second, func() bool { return h.gw.SessionCount() == 0 }, "session release")
}

func TestGateway_UnknownFrameKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")

	expectFrame(t, ctx, conn, "welcome")
	sendFrame(t, ctx, conn, map[string]string{"type": "bogus"})
	f := expectFrame(t, ctx, conn, "error")
	if !strings.Contains(string(f.Data), "Unknown frame type") || !strings.Contains(string(f.Data), "bogus") {
		t.Errorf("error payload = %s", f.Data)
	}

	// The connection survived; a session can still start.
	sendFrame(t, ctx, conn, map[string]string{"type": "startSession"})
	expectFrame(t, ctx, conn, "sessionStarted")
	expectFrame(t, ctx, conn, "sessionReady")
}

func TestGateway_IllegalTransitionTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")
	startSession(t, ctx, conn)

	// Audio data without an open audio segment is a phase violation.
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "AAAA"})

	f := expectFrame(t, ctx, conn, "error")
	if !strings.Contains(string(f.Data), "illegal transition") {
		t.Errorf("error payload = %s", f.Data)
	}
	expectClose(t, ctx, conn)
	waitFor(t, 2*time.Second, func() bool { return h.gw.SessionCount() == 0 }, "session teardown")
}

func TestGateway_BargeInResumesWithoutNewPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")
	startSession(t, ctx, conn)

	sendFrame(t, ctx, conn, map[string]string{"type": "audioStart"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "UENN"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioStop"})
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindAudioInput) == 1
	}, "first audio segment")

	// The model starts replying, then the user interrupts.
	h.st.Inbound <- []byte(`{"event":{"contentStart":{"completionId":"comp-1","contentId":"audio-1","type":"AUDIO","role":"ASSISTANT"}}}`)
	h.st.Inbound <- []byte(`{"event":{"audioOutput":{"completionId":"comp-1","contentId":"audio-1","content":"UENN"}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentEnd":{"completionId":"comp-1","contentId":"audio-1","type":"AUDIO","role":"ASSISTANT","stopReason":"INTERRUPTED"}}}`)

	expectFrame(t, ctx, conn, "contentStart")
	expectFrame(t, ctx, conn, "audioOutput")
	end := expectFrame(t, ctx, conn, "contentEnd")
	if !strings.Contains(string(end.Data), "INTERRUPTED") {
		t.Fatalf("contentEnd payload = %s, want INTERRUPTED", end.Data)
	}

	// New audio goes straight onto the still-open prompt.
	sendFrame(t, ctx, conn, map[string]string{"type": "audioStart"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "UENOVA=="})
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindAudioInput) == 2
	}, "barge-in audio segment")

	if got := countKind(h.st.SentKinds(), novasonic.KindPromptStart); got != 1 {
		t.Errorf("promptStart sent %d times, want 1 (barge-in must not open a new turn)", got)
	}
}

func TestGateway_NewTurnAfterCompletedOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")
	startSession(t, ctx, conn)

	sendFrame(t, ctx, conn, map[string]string{"type": "audioStart"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "UENN"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioStop"})
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindAudioInput) == 1
	}, "first audio segment")

	h.st.Inbound <- []byte(`{"event":{"contentStart":{"completionId":"comp-1","contentId":"text-1","type":"TEXT","role":"ASSISTANT"}}}`)
	h.st.Inbound <- []byte(`{"event":{"textOutput":{"completionId":"comp-1","contentId":"text-1","role":"ASSISTANT","content":"Done."}}}`)
	h.st.Inbound <- []byte(`{"event":{"contentEnd":{"completionId":"comp-1","contentId":"text-1","type":"TEXT","role":"ASSISTANT","stopReason":"END_TURN"}}}`)

	expectFrame(t, ctx, conn, "contentStart")
	expectFrame(t, ctx, conn, "textOutput")
	expectFrame(t, ctx, conn, "contentEnd")

	// Next audioStart re-opens the prompt and replays the system text.
	sendFrame(t, ctx, conn, map[string]string{"type": "audioStart"})
	sendFrame(t, ctx, conn, map[string]string{"type": "audioData", "audio": "UENN"})
	waitFor(t, time.Second, func() bool {
		return countKind(h.st.SentKinds(), novasonic.KindAudioInput) == 2
	}, "second turn audio")

	kinds := h.st.SentKinds()
	if got := countKind(kinds, novasonic.KindPromptStart); got != 2 {
		t.Errorf("promptStart sent %d times, want 2 for a new turn", got)
	}
	if got := countKind(kinds, novasonic.KindTextInput); got != 2 {
		t.Errorf("textInput sent %d times, want system prompt replayed on new turn", got)
	}
}

func TestGateway_ModelTimeoutReachesClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.st.ReceiveErr = errors.New("ValidationException: Timed out waiting for input events")
	conn, ctx := dial(t, h, "tok")
	sessionID := startSession(t, ctx, conn)

	close(h.st.Inbound)

	f := expectFrame(t, ctx, conn, "sessionTimeout")
	var payload struct {
		Message   string `json:"message"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal sessionTimeout: %v", err)
	}
	if payload.SessionID != sessionID {
		t.Errorf("sessionTimeout session id = %q, want %q", payload.SessionID, sessionID)
	}
	if payload.Message == "" {
		t.Error("sessionTimeout carries no message")
	}
	expectClose(t, ctx, conn)
	waitFor(t, 2*time.Second, func() bool { return h.gw.SessionCount() == 0 }, "session teardown")
}

func TestGateway_SessionLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *gateway.Config) { cfg.MaxSessions = 1 })

	conn1, ctx1 := dial(t, h, "tok")
	expectFrame(t, ctx1, conn1, "welcome")

	conn2, ctx2 := dial(t, h, "tok")
	f := expectFrame(t, ctx2, conn2, "error")
	if !strings.Contains(string(f.Data), "Too many concurrent sessions") {
		t.Errorf("error payload = %s", f.Data)
	}
	if code := expectClose(t, ctx2, conn2); code != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want try again later", code)
	}

	// The first connection is unaffected.
	sendFrame(t, ctx1, conn1, map[string]string{"type": "startSession"})
	expectFrame(t, ctx1, conn1, "sessionStarted")
	if got := h.gw.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestGateway_IdleBeforeSessionStartReleasesSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *gateway.Config) { cfg.IdleTimeout = 75 * time.Millisecond })
	conn, ctx := dial(t, h, "tok")

	expectFrame(t, ctx, conn, "welcome")
	if got := h.gw.SessionCount(); got != 1 {
		t.Fatalf("SessionCount = %d after welcome, want 1", got)
	}

	// No startSession, no frames at all: the connection must still be
	// cut and its registry slot freed once the idle deadline passes.
	f := expectFrame(t, ctx, conn, "sessionTimeout")
	if !strings.Contains(string(f.Data), "inactivity") {
		t.Errorf("sessionTimeout payload = %s", f.Data)
	}
	expectClose(t, ctx, conn)
	waitFor(t, 2*time.Second, func() bool { return h.gw.SessionCount() == 0 }, "idle slot release")
	if calls := h.provider.Calls(); calls != 0 {
		t.Errorf("model stream opened %d times for a session that never started", calls)
	}
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	conn, ctx := dial(t, h, "tok")
	startSession(t, ctx, conn)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if code := expectClose(t, ctx, conn); code != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", code)
	}
	if got := h.gw.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d after shutdown", got)
	}
	kinds := h.st.SentKinds()
	if countKind(kinds, novasonic.KindSessionEnd) != 1 {
		t.Errorf("sessionEnd not flushed on shutdown: %v", kinds)
	}
}
