package novasonic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Compile-time assertions that the Bedrock implementations satisfy the
// package interfaces.
var _ Provider = (*BedrockProvider)(nil)
var _ Stream = (*bedrockStream)(nil)

// RuntimeClient mirrors the subset of the Bedrock runtime client the
// provider uses. It matches *bedrockruntime.Client so callers can pass
// either the real client or a fake in tests.
type RuntimeClient interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// ── Options ────────────────────────────────────────────────────────────────────

// BedrockOption is a functional option for configuring a BedrockProvider.
type BedrockOption func(*BedrockProvider)

// WithModelID overrides the model identifier. Defaults to [DefaultModelID].
func WithModelID(id string) BedrockOption {
	return func(p *BedrockProvider) { p.modelID = id }
}

// WithRuntime substitutes the Bedrock runtime client. Primarily used in
// tests; when set, NewBedrockProvider skips AWS credential resolution.
func WithRuntime(rc RuntimeClient) BedrockOption {
	return func(p *BedrockProvider) { p.runtime = rc }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// BedrockProvider opens Nova Sonic streams over the Bedrock runtime's
// bidirectional stream operation.
type BedrockProvider struct {
	runtime RuntimeClient
	modelID string
}

// NewBedrockProvider resolves AWS configuration for the given region and
// returns a provider bound to it. Credential lookup follows the default
// chain (environment, shared config, instance metadata).
func NewBedrockProvider(ctx context.Context, region string, opts ...BedrockOption) (*BedrockProvider, error) {
	p := &BedrockProvider{modelID: DefaultModelID}
	for _, o := range opts {
		o(p)
	}
	if p.runtime == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("novasonic: load aws config: %w", err)
		}
		p.runtime = bedrockruntime.NewFromConfig(cfg)
	}
	return p, nil
}

// ModelID returns the model identifier streams are opened against.
func (p *BedrockProvider) ModelID() string { return p.modelID }

// OpenStream starts one bidirectional stream to the model. The caller owns
// the returned Stream and must Close it.
func (p *BedrockProvider) OpenStream(ctx context.Context) (Stream, error) {
	out, err := p.runtime.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(p.modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("novasonic: open stream: %w", err)
	}
	es := out.GetStream()
	if es == nil {
		return nil, errors.New("novasonic: stream output missing event stream")
	}
	return &bedrockStream{stream: es}, nil
}

// ── Stream ─────────────────────────────────────────────────────────────────────

type bedrockStream struct {
	stream *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream

	mu     sync.Mutex
	closed bool
}

func (s *bedrockStream) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	chunk := &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: ev.Body},
	}
	if err := s.stream.Send(ctx, chunk); err != nil {
		return fmt.Errorf("novasonic: send %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *bedrockStream) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			chunk, ok := out.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !ok {
				// Unknown union members are dropped, not fatal.
				slog.Warn("novasonic: skipping unexpected stream member", "type", fmt.Sprintf("%T", out))
				continue
			}
			return chunk.Value.Bytes, nil
		}
	}
}

func (s *bedrockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("novasonic: close stream: %w", err)
	}
	return nil
}
