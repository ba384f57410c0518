package circuit

import (
	"sync"
	"time"

	"github.com/syncstore/syncstore/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the timeout elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int

	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to State)
}

// Counts tracks request outcomes for observability.
type Counts struct {
	Requests            uint64    `json:"requests"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Breaker guards an unreliable backend. After FailureThreshold consecutive
// failures it rejects calls for Timeout, then lets one probe through; a
// successful probe closes it again, a failed probe re-opens it.
type Breaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// ErrOpen reports the breaker rejecting a call. It carries the
// adapter-unavailable code so callers can fall through to another backend.
func (b *Breaker) errOpen() error {
	return errors.Newf(errors.ErrCodeAdapterUnavailable, "circuit breaker %q is open", b.name).
		WithComponent("circuit")
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(time.Now()) {
	case StateOpen:
		return b.errOpen()
	case StateHalfOpen:
		// One probe at a time; concurrent callers are rejected until it
		// resolves.
		if b.counts.Requests > 0 {
			return b.errOpen()
		}
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.stateLocked(now)

	if err == nil {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.LastFailure = now

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= uint64(b.config.FailureThreshold) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// stateLocked resolves open->half-open once the timeout has elapsed.
// Caller holds mu.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.Timeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState transitions and resets per-state bookkeeping. Caller holds mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.counts.Requests = 0
	case StateClosed:
		b.counts.ConsecutiveFailures = 0
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state, resolving timeouts.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// Counts returns a copy of the outcome counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setState(StateClosed, time.Now())
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }
