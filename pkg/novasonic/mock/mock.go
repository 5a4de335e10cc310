// Package mock provides test doubles for the novasonic package interfaces.
//
// Use Provider to verify OpenStream calls and hand out scripted streams.
// Use Stream to script inbound model frames and inspect every event the
// gateway sent.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	st.Inbound <- []byte(`{"event":{"completionStart":{"completionId":"c1"}}}`)
//	close(st.Inbound) // model closes the stream
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// Provider is a mock implementation of novasonic.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by OpenStream. If nil, OpenStream returns a fresh
	// default Stream.
	Stream novasonic.Stream

	// OpenErr, if non-nil, is returned as the error from OpenStream.
	OpenErr error

	// OpenStreamCalls is the number of times OpenStream was called.
	OpenStreamCalls int
}

// OpenStream records the call and returns Stream, OpenErr.
func (p *Provider) OpenStream(ctx context.Context) (novasonic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Calls returns the number of OpenStream invocations. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.OpenStreamCalls
}

// Ensure Provider implements novasonic.Provider at compile time.
var _ novasonic.Provider = (*Provider)(nil)

// Stream is a scripted mock implementation of novasonic.Stream.
//
// Push raw inbound frames into Inbound; close Inbound to simulate the model
// ending the stream (Receive then returns ReceiveErr, or io.EOF if unset).
// Every Send is recorded in order.
type Stream struct {
	mu sync.Mutex

	// Inbound carries raw frames to Receive. Callers own this channel.
	Inbound chan []byte

	// ReceiveErr, if non-nil, is returned by Receive once Inbound is closed
	// or the stream itself is closed. Nil means a clean io.EOF.
	ReceiveErr error

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// SentEvents records every Send in order. Use Sent for a thread-safe copy.
	SentEvents []novasonic.Event

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
	done   chan struct{}
}

// NewStream returns a Stream with a buffered Inbound channel, ready for use.
func NewStream() *Stream {
	return &Stream{
		Inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Send records the event and returns SendErr, or ErrStreamClosed after Close.
func (s *Stream) Send(ctx context.Context, ev novasonic.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return novasonic.ErrStreamClosed
	}
	body := make([]byte, len(ev.Body))
	copy(body, ev.Body)
	s.SentEvents = append(s.SentEvents, novasonic.Event{Kind: ev.Kind, Body: body})
	return s.SendErr
}

// Receive returns the next scripted frame, or the terminal error once the
// stream ends (Inbound closed or Close called).
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.terminalErr()
	case data, ok := <-s.Inbound:
		if !ok {
			return nil, s.terminalErr()
		}
		return data, nil
	}
}

// Close records the call, marks the stream closed and unblocks Receive.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.CloseErr
}

// Sent returns a copy of all recorded events. Thread-safe.
func (s *Stream) Sent() []novasonic.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]novasonic.Event, len(s.SentEvents))
	copy(out, s.SentEvents)
	return out
}

// SentKinds returns the kinds of all recorded events in order. Thread-safe.
func (s *Stream) SentKinds() []novasonic.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]novasonic.Kind, len(s.SentEvents))
	for i, ev := range s.SentEvents {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReceiveErr != nil {
		return s.ReceiveErr
	}
	return io.EOF
}

// Ensure Stream implements novasonic.Stream at compile time.
var _ novasonic.Stream = (*Stream)(nil)
