// Package breaker implements the per-dependency circuit breaker described
// closed/open/half-open state, retry with jittered backoff,
// and a trip threshold on consecutive failures.
package breaker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/datallboy/nzbidx/internal/domain"
)

// ErrCircuitOpen is returned when Call short-circuits without invoking the
// wrapped operation.
var ErrCircuitOpen = domain.ErrCircuitOpen

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config configures a Breaker's thresholds and backoff.
type Config struct {
	MaxFailures   int
	ResetSeconds  time.Duration
	Retries       int
	BaseBackoffMs time.Duration
	JitterMs      time.Duration
}

// Clock abstracts time.Now so tests can inject a deterministic clock, per
// the Design Notes' "injected collaborators... deterministic clocks".
type Clock func() time.Time

// Breaker guards calls to a single external dependency (db, search, redis).
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock Clock
	sleep func(time.Duration)
	rng   *rand.Rand

	state       State
	failures    int
	openedAt    time.Time
	trialActive bool
}

// New constructs a Breaker with sane defaults for any zero-valued Config
// fields.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetSeconds <= 0 {
		cfg.ResetSeconds = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseBackoffMs <= 0 {
		cfg.BaseBackoffMs = 200 * time.Millisecond
	}
	return &Breaker{
		cfg:   cfg,
		clock: time.Now,
		sleep: time.Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: Closed,
	}
}

// WithClock overrides the breaker's time source; used by tests.
func (b *Breaker) WithClock(c Clock) *Breaker {
	b.clock = c
	return b
}

// WithSleep overrides the breaker's backoff sleep function; used by tests
// to avoid real delays.
func (b *Breaker) WithSleep(fn func(time.Duration)) *Breaker {
	b.sleep = fn
	return b
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with mu held; it performs the open->half_open
// transition based on elapsed time but does not claim a trial slot.
func (b *Breaker) currentState() State {
	if b.state == Open && b.clock().Sub(b.openedAt) > b.cfg.ResetSeconds {
		return HalfOpen
	}
	return b.state
}

// Call invokes op, retrying on failure up to cfg.Retries times with
// uniform-random backoff in [base, base+jitter]. If the breaker is open,
// Call returns ErrCircuitOpen immediately without invoking op. A single
// trial is allowed through once reset_seconds has elapsed (half-open); a
// second caller arriving while a trial is in flight is also short-circuited.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.acquire() {
		return ErrCircuitOpen
	}

	var lastErr error
	attempts := b.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			b.sleep(b.backoff())
		}
		lastErr = op(ctx)
		if lastErr == nil {
			b.onSuccess()
			return nil
		}
	}
	b.onFailure()
	return lastErr
}

// acquire decides whether this call may proceed, and if the breaker is
// half-open, claims the single trial slot so concurrent callers don't all
// probe at once.
func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case Closed:
		return true
	case HalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		b.state = HalfOpen
		return true
	default: // Open, reset window not yet elapsed
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
	b.trialActive = false
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.clock()
		return
	}

	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = b.clock()
	}
}

func (b *Breaker) backoff() time.Duration {
	jitter := b.cfg.JitterMs
	if jitter <= 0 {
		return b.cfg.BaseBackoffMs
	}
	b.mu.Lock()
	n := b.rng.Int63n(int64(jitter) + 1)
	b.mu.Unlock()
	return b.cfg.BaseBackoffMs + time.Duration(n)
}

// ErrIs reports whether err is (or wraps) ErrCircuitOpen, for callers that
// prefer errors.Is over comparing err == ErrCircuitOpen directly.
func ErrIs(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
