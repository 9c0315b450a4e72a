package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker is a per-destination circuit breaker.
//
// Closed: calls pass, consecutive transient failures are counted.
// Open: calls are rejected with ErrBreakerOpen until the cool-down elapses.
// HalfOpen: a single trial call is admitted; its outcome closes or re-opens
// the circuit.
type Breaker struct {
	mu          sync.Mutex
	Transitions map[State]map[State]struct{}

	destination string
	threshold   int
	cooldown    time.Duration

	current  State
	failures int
	openedAt time.Time
	trial    bool

	now    func() time.Time
	logger *zap.Logger
}

type BreakerOption func(*Breaker)

func BreakerWithThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.threshold = n
	}
}

func BreakerWithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.cooldown = d
	}
}

func BreakerWithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

func BreakerWithLogger(logger *zap.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

func NewBreaker(destination string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		destination: destination,
		threshold:   DefaultBreakerThreshold,
		cooldown:    DefaultBreakerCooldown,
		current:     StateClosed,
		now:         time.Now,
		logger:      zap.NewNop(),

		Transitions: map[State]map[State]struct{}{
			StateClosed: {
				StateOpen: {},
			},
			StateOpen: {
				StateHalfOpen: {},
			},
			StateHalfOpen: {
				StateClosed: {},
				StateOpen:   {},
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the effective state. An open breaker whose cool-down has
// elapsed reports half-open even before the next call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.current
}

// Allow asks permission for one call. Every nil return must be followed by
// exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current {
	case StateClosed:
		return nil
	case StateOpen:
		if !b.cooledDown() {
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrBreakerOpen
		}
		b.trial = true
		return nil
	}
	return nil
}

// Record reports the outcome of an allowed call. Transient failures count
// against the destination; success and permanent failures show that the
// destination responded. Anything else (e.g. caller cancellation) only
// releases a half-open trial slot.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil || IsPermanent(err):
		b.onSuccess()
	case IsTransient(err):
		b.onFailure()
	default:
		b.trial = false
	}
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.current == StateHalfOpen {
		b.trial = false
		b.transition(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	switch b.current {
	case StateHalfOpen:
		b.trial = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) cooledDown() bool {
	return !b.now().Before(b.openedAt.Add(b.cooldown))
}

func (b *Breaker) transition(to State) {
	if _, ok := b.Transitions[b.current][to]; !ok {
		b.logger.Error("invalid breaker transition",
			zap.String("destination", b.destination),
			zap.String("from", string(b.current)),
			zap.String("to", string(to)),
		)
		return
	}
	previous := b.current
	b.current = to
	if to != StateOpen {
		b.failures = 0
	}

	b.logger.Info("breaker transitioned",
		zap.String("destination", b.destination),
		zap.String("state", string(to)),
		zap.String("from", string(previous)),
	)
}
