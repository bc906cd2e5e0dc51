// Package circuitbreaker stops calling a backend after repeated failures and
// lets a limited number of probes through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuitbreaker: open")

	// ErrTooManyRequests is returned when every half-open probe slot is taken.
	ErrTooManyRequests = errors.New("circuitbreaker: too many half-open probes")
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings configures a Breaker. Zero fields take defaults.
type Settings struct {
	Name string

	// FailureThreshold consecutive failures open the breaker. Default: 5
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it. Default: 1
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before probing.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenProbes caps concurrent calls while half-open. Default: 1
	HalfOpenProbes int

	// IsFailure decides which errors count against the backend. Nil counts
	// every non-nil error.
	IsFailure func(error) bool

	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

// Counts are the call statistics of the current state.
type Counts struct {
	Requests             int
	Failures             int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Breaker guards calls to one backend. It is safe for concurrent use.
type Breaker struct {
	cfg Settings

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   int
}

// New builds a breaker from s.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 1
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return err != nil }
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &Breaker{cfg: s}
}

// ForStorage is the breaker placed in front of snapshot stores: five
// consecutive failures open it for thirty seconds.
func ForStorage(name string, isFailure func(error) bool, onChange func(name string, from, to State)) *Breaker {
	return New(Settings{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		IsFailure:        isFailure,
		OnStateChange:    onChange,
	})
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state. An open breaker whose timeout elapsed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Counts returns a copy of the current statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its statistics.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moveTo(StateClosed)
}

// Execute runs fn unless the breaker rejects the call. Rejections return
// ErrOpen or ErrTooManyRequests without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return ErrTooManyRequests
		}
		b.probes++
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if err != nil && b.cfg.IsFailure(err) {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		switch {
		case b.state == StateHalfOpen:
			b.moveTo(StateOpen)
		case b.state == StateClosed && b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold:
			b.moveTo(StateOpen)
		}
		return
	}

	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.moveTo(StateClosed)
	}
}

// refresh must be called with mu held.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.moveTo(StateHalfOpen)
	}
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	b.counts = Counts{}
	b.probes = 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
