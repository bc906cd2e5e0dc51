// Package eventhandler contains the bus consumers of the progression engine:
// the audit trail, learner notifications and error monitoring.
package eventhandler

import (
	"context"
	"log/slog"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// Priorities of the built-in consumers. Lower runs first.
const (
	PriorityMonitor  = -100
	PriorityNotifier = 100
	PriorityAudit    = 1000
)

// Registrar attaches a consumer to a bus and returns its subscription ids.
type Registrar interface {
	Register(bus shared.EventSubscriber) ([]string, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// AUDIT RECORDER
// Appends every delivered event to the event store. It runs last so the
// trail reflects what the other consumers saw.
// ═══════════════════════════════════════════════════════════════════════════

// AuditRecorder writes events to an EventStore.
type AuditRecorder struct {
	store  shared.EventStore
	logger *slog.Logger
}

// NewAuditRecorder creates a recorder.
func NewAuditRecorder(store shared.EventStore, logger *slog.Logger) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{
		store:  store,
		logger: logger.With("handler", "audit"),
	}
}

// Register subscribes the recorder to every event type.
func (h *AuditRecorder) Register(bus shared.EventSubscriber) ([]string, error) {
	id, err := bus.Subscribe([]shared.EventType{shared.EventAny}, h.Handle, PriorityAudit)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// Handle appends the event. A store failure is returned so the bus reports
// it as a system.error.
func (h *AuditRecorder) Handle(ctx context.Context, event shared.Event) error {
	if err := h.store.Append(ctx, event); err != nil {
		h.logger.Error("failed to append event",
			"event_id", event.ID,
			"event_type", event.Type,
			"session_id", event.Metadata.SessionID,
			"error", err,
		)
		return shared.WrapError("audit", "Append", shared.ErrPersistence, "event not recorded", err)
	}
	return nil
}
