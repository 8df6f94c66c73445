package remote

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of the connection breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without contacting the daemon while the breaker
// is open.
var ErrCircuitOpen = errors.New("remote: daemon unreachable, circuit open")

const (
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 5 * time.Second
)

// breaker fails fast after consecutive transport failures. Only errors the
// classifier marks as transport failures count; SQL errors returned by a
// healthy daemon never trip it. There is no retry: a failing call returns
// its error and the next call either tries the daemon or fails fast.
type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
	log       *slog.Logger
}

func newBreaker(threshold int, cooldown time.Duration, log *slog.Logger) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now, log: log}
}

// do runs fn unless the breaker is open. transport reports whether an error
// from fn means the daemon could not be reached.
func (b *breaker) do(fn func() error, transport func(error) bool) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
	case StateHalfOpen:
		// one trial call at a time
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	probing := b.state == StateHalfOpen
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && transport(err) {
		b.failures++
		if probing || b.failures >= b.threshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
		return err
	}
	b.failures = 0
	if probing {
		b.setState(StateClosed)
	}
	return err
}

func (b *breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	if b.log != nil {
		b.log.Debug("breaker state change", "from", b.state.String(), "to", s.String())
	}
	b.state = s
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
