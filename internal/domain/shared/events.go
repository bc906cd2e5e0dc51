package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Event types published by the progression engine. The first five are the
// public contract for notification and UI consumers.
const (
	EventStepCompleted    EventType = "step_completed"
	EventMilestoneReached EventType = "milestone_reached"
	EventProgressUpdated  EventType = "progress_updated"
	EventSessionEnded     EventType = "session_ended"
	EventErrorOccurred    EventType = "error_occurred"

	// Lifecycle events
	EventSessionStarted      EventType = "session_started"
	EventStepChanged         EventType = "step_changed"
	EventValidationCompleted EventType = "validation_completed"

	// System events
	EventSystemError EventType = "system.error"

	// EventAny subscribes a handler to every event type.
	EventAny EventType = "*"
)

// Metadata carries correlation data attached to every event.
type Metadata struct {
	SessionID     string `json:"session_id"`
	LearnerID     string `json:"learner_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Payload is the closed set of event bodies. Only types declared in this
// package implement it, so a type switch over Payload is exhaustive.
type Payload interface {
	EventType() EventType
	payload()
}

// Event is an immutable record exchanged on the bus. Build it with NewEvent.
type Event struct {
	ID        string
	Type      EventType
	Payload   Payload
	Metadata  Metadata
	Timestamp time.Time
}

// NewEvent creates an event whose type is derived from its payload.
func NewEvent(payload Payload, meta Metadata) Event {
	if meta.TraceID == "" {
		meta.TraceID = uuid.NewString()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      payload.EventType(),
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
}

// WithCorrelationID returns a copy of the event linked to another event.
func (e Event) WithCorrelationID(id string) Event {
	e.Metadata.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Contract payloads
// ═══════════════════════════════════════════════════════════════════════════

// StepCompletedPayload is emitted when a step is marked completed.
type StepCompletedPayload struct {
	Step             int    `json:"step"`
	Score            int    `json:"score"`
	TimeSpentMinutes int    `json:"time_spent_minutes"`
	GlobalProgress   int    `json:"global_progress"`
	Feedback         string `json:"feedback,omitempty"`
}

// MilestoneReachedPayload is emitted once per milestone, when its certificate is minted.
type MilestoneReachedPayload struct {
	MilestoneID      string `json:"milestone_id"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	Threshold        int    `json:"threshold"`
	CertificateID    string `json:"certificate_id"`
	VerificationCode string `json:"verification_code"`
}

// ProgressUpdatedPayload is emitted after every progress mutation.
type ProgressUpdatedPayload struct {
	Step                 int `json:"step"`
	StepProgress         int `json:"step_progress"`
	GlobalProgress       int `json:"global_progress"`
	TimeSpentTotal       int `json:"time_spent_total"`
	TimeSpentCurrentStep int `json:"time_spent_current_step"`
}

// SessionEndedPayload is emitted when a session is closed.
type SessionEndedPayload struct {
	CompletedSteps []int  `json:"completed_steps"`
	GlobalProgress int    `json:"global_progress"`
	TimeSpentTotal int    `json:"time_spent_total"`
	Reason         string `json:"reason,omitempty"`
}

// ErrorOccurredPayload reports a failed command to consumers.
type ErrorOccurredPayload struct {
	Operation string `json:"operation"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Step      int    `json:"step,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Lifecycle payloads
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedPayload is emitted after the session state has been loaded.
type SessionStartedPayload struct {
	Resumed        bool `json:"resumed"`
	CurrentStep    int  `json:"current_step"`
	GlobalProgress int  `json:"global_progress"`
}

// StepChangedPayload is emitted when the current step changes.
type StepChangedPayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ValidationCompletedPayload is emitted after each evaluated checkpoint attempt.
type ValidationCompletedPayload struct {
	Step              int  `json:"step"`
	Percentage        int  `json:"percentage"`
	CanProceed        bool `json:"can_proceed"`
	ComplianceOK      bool `json:"compliance_ok"`
	MandatoryOK       bool `json:"mandatory_ok"`
	Attempt           int  `json:"attempt"`
	AttemptsRemaining int  `json:"attempts_remaining"`
	Exhausted         bool `json:"exhausted"`
}

// SystemErrorPayload is emitted by the bus when a subscriber fails.
type SystemErrorPayload struct {
	SourceEventID   string    `json:"source_event_id"`
	SourceEventType EventType `json:"source_event_type"`
	SubscriptionID  string    `json:"subscription_id"`
	Message         string    `json:"message"`
}

func (StepCompletedPayload) EventType() EventType       { return EventStepCompleted }
func (MilestoneReachedPayload) EventType() EventType    { return EventMilestoneReached }
func (ProgressUpdatedPayload) EventType() EventType     { return EventProgressUpdated }
func (SessionEndedPayload) EventType() EventType        { return EventSessionEnded }
func (ErrorOccurredPayload) EventType() EventType       { return EventErrorOccurred }
func (SessionStartedPayload) EventType() EventType      { return EventSessionStarted }
func (StepChangedPayload) EventType() EventType         { return EventStepChanged }
func (ValidationCompletedPayload) EventType() EventType { return EventValidationCompleted }
func (SystemErrorPayload) EventType() EventType         { return EventSystemError }

func (StepCompletedPayload) payload()       {}
func (MilestoneReachedPayload) payload()    {}
func (ProgressUpdatedPayload) payload()     {}
func (SessionEndedPayload) payload()        {}
func (ErrorOccurredPayload) payload()       {}
func (SessionStartedPayload) payload()      {}
func (StepChangedPayload) payload()         {}
func (ValidationCompletedPayload) payload() {}
func (SystemErrorPayload) payload()         {}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Metadata  Metadata        `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as an EventEnvelope.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(EventEnvelope{
		ID:        e.ID,
		Type:      e.Type,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
		Payload:   body,
	})
}

// UnmarshalJSON decodes an EventEnvelope and restores the typed payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        env.ID,
		Type:      env.Type,
		Payload:   p,
		Metadata:  env.Metadata,
		Timestamp: env.Timestamp,
	}
	return nil
}

// DecodePayload turns raw JSON into the payload type registered for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventStepCompleted:
		p = &StepCompletedPayload{}
	case EventMilestoneReached:
		p = &MilestoneReachedPayload{}
	case EventProgressUpdated:
		p = &ProgressUpdatedPayload{}
	case EventSessionEnded:
		p = &SessionEndedPayload{}
	case EventErrorOccurred:
		p = &ErrorOccurredPayload{}
	case EventSessionStarted:
		p = &SessionStartedPayload{}
	case EventStepChanged:
		p = &StepChangedPayload{}
	case EventValidationCompleted:
		p = &ValidationCompletedPayload{}
	case EventSystemError:
		p = &SystemErrorPayload{}
	default:
		return nil, NewDomainError("events", "DecodePayload", ErrInvalidInput, fmt.Sprintf("unknown event type %q", t))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, WrapError("events", "DecodePayload", ErrInvalidInput, string(t), err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StepCompletedPayload:
		return *v
	case *MilestoneReachedPayload:
		return *v
	case *ProgressUpdatedPayload:
		return *v
	case *SessionEndedPayload:
		return *v
	case *ErrorOccurredPayload:
		return *v
	case *SessionStartedPayload:
		return *v
	case *StepChangedPayload:
		return *v
	case *ValidationCompletedPayload:
		return *v
	case *SystemErrorPayload:
		return *v
	}
	return p
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus ports
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish enqueues an event and returns once the queue has drained.
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for the given types; lower priority runs first.
	Subscribe(types []EventType, handler EventHandler, priority int) (string, error)

	// Unsubscribe deactivates a subscription.
	Unsubscribe(id string) bool
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// EventStore keeps the audit trail of delivered events.
type EventStore interface {
	// Append stores an event. Appending an event id twice is a no-op.
	Append(ctx context.Context, event Event) error

	// ListBySession returns the events of a session in delivery order.
	// A non-positive limit returns all of them.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Event, error)
}
