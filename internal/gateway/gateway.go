// Package gateway brokers browser voice sessions against the model.
//
// Each accepted websocket gets one session, one bidirectional model stream
// and one stream worker. The connection handler translates client frames
// into session state-machine transitions; the worker drains the session's
// outbound queue onto the stream and routes inbound model events back to
// the client through the session observer. Tool calls requested by the
// model run on the shared tool runner and feed their results into the same
// outbound queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/internal/observe"
	"github.com/voicelayer/sonicgate/internal/session"
	"github.com/voicelayer/sonicgate/internal/tools"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// TokenVerifier authenticates connection tokens. *auth.Verifier is the
// production implementation; tests substitute stubs.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Config carries the gateway's collaborators and session defaults. Auth,
// Provider and Tools are required; everything else has a usable zero
// value.
type Config struct {
	// Auth validates identity tokens on new connections.
	Auth TokenVerifier

	// Provider opens one model stream per session.
	Provider novasonic.Provider

	// Tools is the registry offered to the model in every session.
	Tools *tools.Registry

	// Metrics may be nil; the gateway then runs unmetered.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// MaxSessions caps concurrent sessions process-wide; <= 0 means
	// unlimited.
	MaxSessions int

	// IdleTimeout ends sessions with no client or model activity. Zero
	// disables the check.
	IdleTimeout time.Duration

	// QueueCap is each session's outbound queue cap; zero means the
	// session default, negative means unbounded.
	QueueCap int

	// Settle is the pause after phase-boundary event batches; zero means
	// the session default, negative disables it.
	Settle time.Duration

	// VoiceID selects the synthesized voice.
	VoiceID string

	// Inference holds the sampling parameters for every session.
	Inference novasonic.InferenceConfig
}

// Server accepts voice connections and supervises their sessions.
type Server struct {
	cfg      Config
	sessions *session.Registry
	tools    *ToolRunner
	log      *slog.Logger

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	closed bool
}

// NewServer validates cfg and builds the supervisor.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("gateway: config: Auth is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("gateway: config: Provider is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("gateway: config: Tools is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: session.NewRegistry(cfg.MaxSessions),
		tools:    NewToolRunner(cfg.Tools, cfg.Metrics, cfg.Logger),
		log:      cfg.Logger,
		conns:    make(map[*clientConn]struct{}),
	}, nil
}

// Register mounts the websocket endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /novasonic", s.handleSocket)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.Len() }

// SetSessionDefaults replaces the knobs applied to new sessions: voice,
// idle timeout, settle pause, queue cap and the concurrent session limit.
// Live sessions keep the values they started with.
func (s *Server) SetSessionDefaults(voiceID string, idle, settle time.Duration, queueCap, maxSessions int) {
	s.mu.Lock()
	s.cfg.VoiceID = voiceID
	s.cfg.IdleTimeout = idle
	s.cfg.Settle = settle
	s.cfg.QueueCap = queueCap
	s.cfg.MaxSessions = maxSessions
	s.mu.Unlock()
	s.sessions.SetMax(maxSessions)
}

// sessionConfig snapshots the current defaults for one new session.
func (s *Server) sessionConfig() session.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Config{
		VoiceID:   s.cfg.VoiceID,
		Tools:     toolSpecs(s.cfg.Tools.Specs()),
		Inference: s.cfg.Inference,
		QueueCap:  s.cfg.QueueCap,
		Settle:    s.cfg.Settle,
	}
}

func (s *Server) idleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.IdleTimeout
}

// track registers a live connection for the shutdown sweep. It reports
// false once Shutdown has begun; the caller must then tear down instead of
// serving.
func (s *Server) track(c *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Shutdown refuses new connections and drives every live session to a
// terminal phase, waiting until all of them have flushed or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}
	s.log.Info("closing sessions", "count", len(conns))

	g := new(errgroup.Group)
	for _, c := range conns {
		g.Go(func() error {
			c.teardown(websocket.StatusGoingAway, "server shutting down")
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}
