package resilience

import (
	"context"

	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// GuardedProvider wraps a [novasonic.Provider] so every stream open runs
// through a circuit breaker. Established sessions keep their streams while
// the breaker is open; only new sessions are refused.
type GuardedProvider struct {
	inner   novasonic.Provider
	breaker *Breaker
}

var _ novasonic.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider builds the wrapper with its own breaker from cfg.
func NewGuardedProvider(inner novasonic.Provider, cfg Config) *GuardedProvider {
	return &GuardedProvider{inner: inner, breaker: NewBreaker(cfg)}
}

// Breaker returns the wrapper's breaker, mainly for state inspection.
func (p *GuardedProvider) Breaker() *Breaker { return p.breaker }

// OpenStream opens a stream through the breaker. While the breaker is open
// it fails fast with [ErrCircuitOpen] instead of dialing.
func (p *GuardedProvider) OpenStream(ctx context.Context) (novasonic.Stream, error) {
	var stream novasonic.Stream
	err := p.breaker.Execute(func() error {
		s, err := p.inner.OpenStream(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
