package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// LEARNER NOTIFICATIONS
// Turns contract events into short messages for the learner.
// ═══════════════════════════════════════════════════════════════════════════

// NotificationKind classifies a notification.
type NotificationKind string

const (
	NotifyStepCompleted NotificationKind = "step_completed"
	NotifyMilestone     NotificationKind = "milestone"
	NotifySessionEnded  NotificationKind = "session_ended"
)

// Notification is a message for one learner.
type Notification struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	LearnerID string           `json:"learner_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	CreatedAt time.Time        `json:"created_at"`
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// MilestoneNotifier builds notifications from step, milestone and session events.
type MilestoneNotifier struct {
	senders []Sender
	logger  *slog.Logger
}

// NewMilestoneNotifier creates a notifier delivering to every sender.
func NewMilestoneNotifier(logger *slog.Logger, senders ...Sender) *MilestoneNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MilestoneNotifier{
		senders: senders,
		logger:  logger.With("handler", "notifier"),
	}
}

// Register subscribes the notifier.
func (h *MilestoneNotifier) Register(bus shared.EventSubscriber) ([]string, error) {
	id, err := bus.Subscribe([]shared.EventType{
		shared.EventStepCompleted,
		shared.EventMilestoneReached,
		shared.EventSessionEnded,
	}, h.Handle, PriorityNotifier)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// Handle builds and sends the notification for an event. Delivery failures
// are logged; the first one is returned.
func (h *MilestoneNotifier) Handle(ctx context.Context, event shared.Event) error {
	n, ok := notificationFor(event)
	if !ok {
		return nil
	}

	var firstErr error
	for _, s := range h.senders {
		if err := s.Send(ctx, n); err != nil {
			h.logger.Warn("notification not delivered",
				"session_id", n.SessionID,
				"kind", n.Kind,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func notificationFor(event shared.Event) (Notification, bool) {
	n := Notification{
		ID:        event.ID,
		SessionID: event.Metadata.SessionID,
		LearnerID: event.Metadata.LearnerID,
		CreatedAt: event.Timestamp,
	}
	switch p := event.Payload.(type) {
	case shared.StepCompletedPayload:
		n.Kind = NotifyStepCompleted
		n.Title = fmt.Sprintf("Step %d completed", p.Step)
		n.Body = fmt.Sprintf("Score %d%%, overall progress %d%%.", p.Score, p.GlobalProgress)
	case shared.MilestoneReachedPayload:
		n.Kind = NotifyMilestone
		n.Title = p.Name
		n.Body = fmt.Sprintf("Certificate %s, verification code %s.", p.CertificateID, p.VerificationCode)
	case shared.SessionEndedPayload:
		n.Kind = NotifySessionEnded
		n.Title = "Session ended"
		n.Body = fmt.Sprintf("%d steps completed, %d%% overall, %d minutes.",
			len(p.CompletedSteps), p.GlobalProgress, p.TimeSpentTotal)
	default:
		return Notification{}, false
	}
	return n, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Senders
// ─────────────────────────────────────────────────────────────────────────────

// LogSender writes notifications to the log.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "session_id", n.SessionID, "kind", n.Kind, "title", n.Title)
	return nil
}

// Inbox keeps the latest notifications of each session in memory.
type Inbox struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]Notification
}

// NewInbox creates an inbox keeping up to limit notifications per session.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 50
	}
	return &Inbox{limit: limit, entries: make(map[string][]Notification)}
}

// Send implements Sender.
func (b *Inbox) Send(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.entries[n.SessionID], n)
	if len(list) > b.limit {
		list = list[len(list)-b.limit:]
	}
	b.entries[n.SessionID] = list
	return nil
}

// List returns the notifications of a session, oldest first.
func (b *Inbox) List(sessionID string) []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Notification, len(b.entries[sessionID]))
	copy(out, b.entries[sessionID])
	return out
}

// Forget drops the notifications of a session.
func (b *Inbox) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, sessionID)
}
