package eventhandler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ErrorMonitor logs and counts rejected commands and failed handlers.
type ErrorMonitor struct {
	logger *slog.Logger

	mu           sync.Mutex
	byKind       map[string]int
	systemErrors int
}

// NewErrorMonitor creates a monitor.
func NewErrorMonitor(logger *slog.Logger) *ErrorMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorMonitor{
		logger: logger.With("handler", "error_monitor"),
		byKind: make(map[string]int),
	}
}

// Register subscribes the monitor to error_occurred and system.error.
func (m *ErrorMonitor) Register(bus shared.EventSubscriber) ([]string, error) {
	id, err := bus.Subscribe([]shared.EventType{shared.EventErrorOccurred, shared.EventSystemError}, m.Handle, PriorityMonitor)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// Handle records one error event. It never fails.
func (m *ErrorMonitor) Handle(ctx context.Context, event shared.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := event.Payload.(type) {
	case shared.ErrorOccurredPayload:
		m.byKind[p.Kind]++
		level := slog.LevelInfo
		if p.Kind == "configuration" || p.Kind == "internal" {
			level = slog.LevelError
		}
		m.logger.Log(ctx, level, "command failed",
			"session_id", event.Metadata.SessionID,
			"operation", p.Operation,
			"kind", p.Kind,
			"message", p.Message,
		)
	case shared.SystemErrorPayload:
		m.systemErrors++
		m.logger.Error("event handler failed",
			"session_id", event.Metadata.SessionID,
			"source_event_id", p.SourceEventID,
			"source_event_type", p.SourceEventType,
			"subscription_id", p.SubscriptionID,
			"message", p.Message,
		)
	}
	return nil
}

// ErrorStats summarises what the monitor saw.
type ErrorStats struct {
	ByKind       map[string]int `json:"by_kind"`
	SystemErrors int            `json:"system_errors"`
}

// Stats returns a copy of the counters.
func (m *ErrorMonitor) Stats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ErrorStats{ByKind: make(map[string]int, len(m.byKind)), SystemErrors: m.systemErrors}
	for k, v := range m.byKind {
		out.ByKind[k] = v
	}
	return out
}
