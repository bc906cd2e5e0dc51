// Package messaging implements the in-process event bus and its Redis relay.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// State is the lifecycle state of a bus.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type subscription struct {
	id       string
	types    []shared.EventType
	handler  shared.EventHandler
	priority int
	seq      uint64
	active   atomic.Bool
}

func (s *subscription) before(o *subscription) bool {
	if s.priority != o.priority {
		return s.priority < o.priority
	}
	return s.seq < o.seq
}

// Bus is an in-process publish/subscribe broker with a single FIFO queue.
//
// Publish appends to the queue and, unless a drain is already running, drains
// it before returning. Events published by handlers during a drain are queued
// behind the current event. Subscribers of an event run in ascending priority
// order, each to completion, before the next queued event is taken. A failing
// handler is logged, recorded as a dead letter and turned into a system.error
// event; failures of system.error handlers are only logged.
type Bus struct {
	mu       sync.Mutex
	state    State
	subs     map[shared.EventType][]*subscription
	byID     map[string]*subscription
	queue    []shared.Event
	draining bool
	idle     chan struct{}
	seq      uint64

	maxQueue int
	logger   *slog.Logger
	metrics  *EventBusMetrics
	dlq      *DeadLetterQueue
}

// Config contains configuration for Bus.
type Config struct {
	// MaxQueue bounds the number of waiting events. Publish fails with
	// ErrQueueFull beyond it. system.error events are never rejected.
	MaxQueue int

	// DeadLetterSize is the number of failed deliveries kept for inspection.
	DeadLetterSize int

	// Logger for structured logging
	Logger *slog.Logger

	// EnableMetrics enables metrics collection
	EnableMetrics bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueue:       1024,
		DeadLetterSize: 100,
		EnableMetrics:  true,
	}
}

// NewBus creates a bus in the created state.
func NewBus(cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	b := &Bus{
		state:    StateCreated,
		subs:     make(map[shared.EventType][]*subscription),
		byID:     make(map[string]*subscription),
		maxQueue: cfg.MaxQueue,
		logger:   cfg.Logger.With("component", "event_bus"),
		dlq:      NewDeadLetterQueue(cfg.DeadLetterSize),
	}
	if cfg.EnableMetrics {
		b.metrics = NewEventBusMetrics()
	}
	return b
}

// Start moves the bus to the running state.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateRunning:
		return nil
	case StateCreated:
		b.state = StateRunning
		return nil
	}
	return ErrEventBusClosed
}

// State returns the lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe registers a handler for the given event types; shared.EventAny
// matches every type. Lower priority runs first, ties run in subscription order.
func (b *Bus) Subscribe(types []shared.EventType, handler shared.EventHandler, priority int) (string, error) {
	if handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	if len(types) == 0 {
		return "", errors.New("at least one event type is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateStopped {
		return "", ErrEventBusClosed
	}

	b.seq++
	s := &subscription{
		id:       uuid.NewString(),
		types:    dedupeTypes(types),
		handler:  handler,
		priority: priority,
		seq:      b.seq,
	}
	s.active.Store(true)

	for _, t := range s.types {
		list := b.subs[t]
		i := sort.Search(len(list), func(i int) bool { return s.before(list[i]) })
		list = append(list, nil)
		copy(list[i+1:], list[i:])
		list[i] = s
		b.subs[t] = list
	}
	b.byID[s.id] = s

	b.logger.Debug("subscribed handler", "subscription_id", s.id, "event_types", s.types, "priority", priority)
	return s.id, nil
}

// Unsubscribe deactivates a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byID[id]
	if !ok {
		return false
	}
	s.active.Store(false)
	delete(b.byID, id)
	for _, t := range s.types {
		list := b.subs[t]
		out := make([]*subscription, 0, len(list))
		for _, other := range list {
			if other != s {
				out = append(out, other)
			}
		}
		b.subs[t] = out
	}
	return true
}

type drainKey struct{}

// Publish enqueues an event and returns once the queue has drained. Called
// from a handler, it only enqueues.
func (b *Bus) Publish(ctx context.Context, event shared.Event) error {
	if event.Payload == nil {
		return errors.New("event payload cannot be nil")
	}
	if event.Type != event.Payload.EventType() {
		return fmt.Errorf("event type %q does not match payload type %q", event.Type, event.Payload.EventType())
	}

	b.mu.Lock()
	if b.state != StateRunning && b.state != StateStopping {
		b.mu.Unlock()
		if b.state == StateCreated {
			return ErrEventBusNotStarted
		}
		return ErrEventBusClosed
	}
	if len(b.queue) >= b.maxQueue {
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.RecordRejected()
		}
		return ErrQueueFull
	}
	b.queue = append(b.queue, event)
	if b.metrics != nil {
		b.metrics.RecordPublish(event.Type, len(b.queue))
	}

	if ctx.Value(drainKey{}) == b {
		b.mu.Unlock()
		return nil
	}
	if b.draining {
		idle := b.idle
		b.mu.Unlock()
		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			// the event stays queued and is delivered by the running drain
			return ctx.Err()
		}
	}
	b.draining = true
	b.idle = make(chan struct{})
	b.mu.Unlock()

	b.drain(ctx)
	return nil
}

func (b *Bus) drain(ctx context.Context) {
	ctx = context.WithValue(context.WithoutCancel(ctx), drainKey{}, b)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			close(b.idle)
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue[0] = shared.Event{}
		b.queue = b.queue[1:]
		targets := b.matching(event.Type)
		b.mu.Unlock()

		for _, s := range targets {
			if !s.active.Load() {
				continue
			}
			b.deliver(ctx, s, event)
		}
	}
}

// matching merges the subscribers of the type with the wildcard subscribers.
// Must be called with b.mu held.
func (b *Bus) matching(t shared.EventType) []*subscription {
	typed, wild := b.subs[t], b.subs[shared.EventAny]
	out := make([]*subscription, 0, len(typed)+len(wild))
	i, j := 0, 0
	for i < len(typed) || j < len(wild) {
		switch {
		case j >= len(wild) || (i < len(typed) && typed[i].before(wild[j])):
			out = append(out, typed[i])
			i++
		case i < len(typed) && typed[i] == wild[j]:
			out = append(out, typed[i])
			i++
			j++
		default:
			out = append(out, wild[j])
			j++
		}
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, s *subscription, event shared.Event) {
	start := time.Now()
	err := callHandler(ctx, b.logger, s.handler, event)
	duration := time.Since(start)

	if b.metrics != nil {
		b.metrics.RecordHandlerExecution(event.Type, duration, err == nil)
	}
	if err == nil {
		return
	}

	b.logger.Error("event handler failed",
		"event_id", event.ID,
		"event_type", event.Type,
		"session_id", event.Metadata.SessionID,
		"subscription_id", s.id,
		"duration", duration,
		"error", err,
	)
	b.dlq.Add(DeadLetterEntry{
		Event:          event,
		SubscriptionID: s.id,
		Error:          err.Error(),
		FailedAt:       time.Now().UTC(),
	})

	if event.Type == shared.EventSystemError {
		return
	}

	failure := shared.NewEvent(shared.SystemErrorPayload{
		SourceEventID:   event.ID,
		SourceEventType: event.Type,
		SubscriptionID:  s.id,
		Message:         shared.WrapError("messaging", "deliver", shared.ErrHandlerFailure, "subscriber failed", err).Error(),
	}, event.Metadata).WithCorrelationID(event.ID)

	b.mu.Lock()
	b.queue = append(b.queue, failure)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordSystemError()
	}
}

// Stop rejects further external use once the queue has drained. Events
// already queued are delivered. It returns ctx.Err() if the drain outlives ctx.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStopped:
		b.mu.Unlock()
		return nil
	case StateCreated:
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	var idle chan struct{}
	if b.draining {
		idle = b.idle
	}
	b.mu.Unlock()

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	b.state = StateStopped
	for _, s := range b.byID {
		s.active.Store(false)
	}
	b.mu.Unlock()

	b.logger.Info("event bus stopped")
	return nil
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Metrics returns the current metrics.
func (b *Bus) Metrics() *EventBusMetrics {
	return b.metrics
}

// DeadLetters returns failed deliveries.
func (b *Bus) DeadLetters() *DeadLetterQueue {
	return b.dlq
}

func dedupeTypes(types []shared.EventType) []shared.EventType {
	seen := make(map[shared.EventType]bool, len(types))
	out := make([]shared.EventType, 0, len(types))
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a stopped bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrEventBusNotStarted is returned when publishing before Start.
	ErrEventBusNotStarted = errors.New("event bus is not started")

	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("event queue is full")
)

var _ shared.EventBus = (*Bus)(nil)
