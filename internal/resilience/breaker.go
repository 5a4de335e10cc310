// Package resilience shields the model provider behind a circuit breaker.
// Opening a bidirectional stream is the one upstream call the gateway makes
// per connection; when the endpoint degrades, the breaker turns a pile-up
// of slow failing opens into immediate refusals until a cooldown passes.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of running the guarded call while the
// breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open refuses every call until the cooldown has passed.
	Open

	// HalfOpen forwards single probe calls to test whether the guarded
	// dependency recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero values take the documented defaults.
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is the run of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long an open breaker refuses calls before probing
	// again. Default 30s.
	Cooldown time.Duration

	// Probes is the run of consecutive successful probes that closes a
	// half-open breaker. Any probe failure re-opens it. Default 3.
	Probes int

	Logger *slog.Logger

	// Clock overrides time.Now for cooldown checks. Tests only.
	Clock func() time.Time
}

// Breaker is a three-state circuit breaker, safe for concurrent use.
// Construct with [NewBreaker]; the zero value is not usable.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     State
	fails     int  // consecutive failures while closed
	successes int  // consecutive probe successes while half-open
	probing   bool // a half-open probe is in flight
	openedAt  time.Time
}

// NewBreaker builds a closed breaker from cfg.
func NewBreaker(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		log:       cfg.Logger,
		now:       cfg.Clock,
	}
}

// Execute runs fn when the breaker admits the call and folds fn's verdict
// into the breaker state. While open it returns [ErrCircuitOpen] without
// running fn. Half-open admits one probe at a time; concurrent calls are
// refused until that probe reports.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		b.log.Info("circuit half-open", "name", b.name)
	case HalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		if err == nil {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
			b.log.Warn("circuit opened", "name", b.name, "consecutive_failures", b.fails)
		}
	case HalfOpen:
		b.probing = false
		if err != nil {
			b.state = Open
			b.openedAt = b.now()
			b.log.Warn("circuit reopened", "name", b.name, "err", err)
			return
		}
		b.successes++
		if b.successes >= b.probes {
			b.state = Closed
			b.fails = 0
			b.log.Info("circuit closed", "name", b.name)
		}
	case Open:
		// A call admitted before the trip may report after it; the
		// verdict no longer changes anything.
	}
}

// State reports the current state. An open breaker whose cooldown has
// passed reports [HalfOpen]; the transition itself happens on the next
// [Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}
