package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voicelayer/sonicgate/internal/observe"
	"github.com/voicelayer/sonicgate/internal/session"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// defaultWakeInterval bounds how long the drain loop sleeps between checks
// of the idle deadline when no outbound events arrive.
const defaultWakeInterval = 20 * time.Millisecond

// WorkerConfig carries the per-session knobs for a stream worker.
type WorkerConfig struct {
	// IdleTimeout ends the session when no client or model activity is
	// seen for this long. Zero or negative disables the check.
	IdleTimeout time.Duration

	// WakeInterval overrides the drain loop's polling period. Zero means
	// defaultWakeInterval; tests shorten it.
	WakeInterval time.Duration

	// Tools executes model tool calls. Nil drops toolUse frames with a
	// warning.
	Tools *ToolRunner

	// Metrics may be nil.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Worker owns one model stream for the lifetime of a session. It is the
// only goroutine pair touching the stream: drain moves the session's
// outbound queue onto the stream, pump reads inbound frames and routes them
// to the session observer and the tool runner. Both halves funnel every
// terminal condition through a single once so the client hears about the
// end of the session exactly one way.
type Worker struct {
	sess    *session.Session
	stream  novasonic.Stream
	tools   *ToolRunner
	metrics *observe.Metrics
	log     *slog.Logger

	idle time.Duration
	wake time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	toolWG sync.WaitGroup

	endOnce      sync.Once
	completeOnce sync.Once
}

// NewWorker binds a session to an open model stream. Run must be called
// exactly once.
func NewWorker(sess *session.Session, stream novasonic.Stream, cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	wake := cfg.WakeInterval
	if wake <= 0 {
		wake = defaultWakeInterval
	}
	return &Worker{
		sess:    sess,
		stream:  stream,
		tools:   cfg.Tools,
		metrics: cfg.Metrics,
		log:     log.With("session_id", sess.ID(), "user_id", sess.Identity().UserID),
		idle:    cfg.IdleTimeout,
		wake:    wake,
		done:    make(chan struct{}),
	}
}

// Run drives the stream until the session ends, the stream dies or ctx is
// canceled. It blocks; callers run it in its own goroutine and wait on
// Done. The stream is closed before Run returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.drain(ctx)
	}()
	go func() {
		defer wg.Done()
		w.pump(ctx)
	}()
	wg.Wait()

	// Tool handlers may still be writing results; let them finish against
	// the (possibly closed) session before the stream goes away.
	w.toolWG.Wait()

	if err := w.stream.Close(); err != nil && !errors.Is(err, novasonic.ErrStreamClosed) {
		w.log.Debug("stream close", "error", err)
	}
}

// Done is closed once Run has returned and the stream is closed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// drain moves queued outbound events onto the stream in order. It exits
// when the session reaches a terminal phase and the queue is flushed, on a
// send failure, or when the idle deadline passes. A session that was failed
// stream-side exits immediately without flushing: the stream is already
// dead, so polite teardown frames have nowhere to go.
func (w *Worker) drain(ctx context.Context) {
	defer w.cancel()

	ticker := time.NewTicker(w.wake)
	defer ticker.Stop()

	for {
		if w.sess.Phase() == session.PhaseErrored {
			return
		}

		for {
			ev, ok := w.sess.NextOutbound()
			if !ok {
				break
			}
			if err := w.stream.Send(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				if novasonic.IsResetError(err) {
					w.timeout("model stream reset while sending " + string(ev.Kind))
				} else {
					w.failure(fmt.Errorf("send %s: %w", ev.Kind, err))
				}
				return
			}
		}

		if !w.sess.Active() && w.sess.QueueLen() == 0 {
			return
		}
		if w.idle > 0 && w.sess.Active() && time.Since(w.sess.LastActivity()) > w.idle {
			w.timeout(fmt.Sprintf("no activity for %s", w.idle))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-w.sess.OutboundReady():
		case <-ticker.C:
		}
	}
}

// pump reads inbound frames until the stream or context ends. Undecodable
// frames are dropped; transport errors classify as timeout (model reset or
// idle cutoff) or failure.
func (w *Worker) pump(ctx context.Context) {
	for {
		data, err := w.stream.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				if w.sess.Active() {
					w.end(func() {
						w.log.Info("model closed the stream")
						w.sess.Close()
					})
				}
			case novasonic.IsResetError(err):
				w.timeout("model stream reset: " + err.Error())
			default:
				w.failure(fmt.Errorf("receive: %w", err))
			}
			return
		}

		ev, err := novasonic.Decode(data)
		if err != nil {
			w.log.Warn("dropping undecodable model frame", "error", err)
			continue
		}
		w.route(ctx, ev)
	}
}

// route dispatches one decoded inbound frame. Tool-typed content blocks are
// internal plumbing between the model and the tool runner and never reach
// the observer.
func (w *Worker) route(ctx context.Context, ev novasonic.InboundEvent) {
	w.sess.Touch()
	if w.metrics != nil {
		w.metrics.RecordModelEvent(ctx, string(ev.Kind))
	}
	obs := w.sess.Observer()

	switch ev.Kind {
	case novasonic.KindCompletionStart:
		w.log.Debug("completion started", "completion_id", ev.CompletionStart.CompletionID)

	case novasonic.KindContentStart:
		cs := ev.ContentStart
		if cs.Type == novasonic.TypeTool || cs.Role == novasonic.RoleTool {
			return
		}
		obs.OnContentStart(*cs)

	case novasonic.KindTextOutput:
		if ev.TextOutput.Role == novasonic.RoleTool {
			return
		}
		obs.OnTextOutput(*ev.TextOutput)

	case novasonic.KindAudioOutput:
		if w.metrics != nil {
			w.metrics.RecordAudioFrame(ctx, "out")
		}
		obs.OnAudioOutput(*ev.AudioOutput)

	case novasonic.KindToolUse:
		if w.tools == nil {
			w.log.Warn("dropping tool call, no runner configured", "tool", ev.ToolUse.ToolName)
			return
		}
		use := *ev.ToolUse
		w.toolWG.Add(1)
		go func() {
			defer w.toolWG.Done()
			w.tools.Dispatch(ctx, w.sess, use)
		}()

	case novasonic.KindContentEnd:
		ce := ev.ContentEnd
		if ce.StopReason == novasonic.StopEndTurn {
			w.sess.MarkTurnComplete()
		}
		if ce.Type == novasonic.TypeTool || ce.Role == novasonic.RoleTool {
			return
		}
		obs.OnContentEnd(*ce)

	case novasonic.KindCompletionEnd:
		if ev.CompletionEnd.StopReason == novasonic.StopEndTurn {
			w.sess.MarkTurnComplete()
		}
		w.log.Debug("completion ended", "stop_reason", ev.CompletionEnd.StopReason)

	case novasonic.KindUsage:
		w.log.Debug("usage", "total_tokens", ev.Usage.TotalTokens)

	case novasonic.KindStreamComplete:
		w.completeOnce.Do(obs.OnStreamComplete)

	case novasonic.KindModelStreamError, novasonic.KindInternalServerError:
		msg := "model stream error"
		if ev.StreamError != nil && ev.StreamError.Message != "" {
			msg = ev.StreamError.Message
		}
		w.failure(fmt.Errorf("%s: %s", ev.Kind, msg))

	default:
		w.log.Warn("dropping unknown model frame", "bytes", len(ev.Raw))
	}
}

// end runs f at most once and stops both loops. All terminal paths go
// through here so the observer is notified exactly once.
func (w *Worker) end(f func()) {
	w.endOnce.Do(func() {
		f()
		w.cancel()
	})
}

// timeout ends the session as a model-side timeout.
func (w *Worker) timeout(reason string) {
	w.end(func() {
		w.log.Warn("session timed out", "reason", reason)
		if w.metrics != nil {
			w.metrics.StreamErrors.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("kind", "reset")))
		}
		w.sess.Fail(reason)
		w.sess.Observer().OnTimeout(reason)
	})
}

// failure ends the session as a stream error.
func (w *Worker) failure(err error) {
	w.end(func() {
		w.log.Error("model stream failed", "error", err)
		if w.metrics != nil {
			w.metrics.StreamErrors.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("kind", "error")))
		}
		w.sess.Fail(err.Error())
		w.sess.Observer().OnError(err)
	})
}
