package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// EventBusMetrics counts bus activity since construction. Counters are
// atomic; only the per-type maps take the lock.
type EventBusMetrics struct {
	rejected      atomic.Int64
	systemErrors  atomic.Int64
	executions    atomic.Int64
	failures      atomic.Int64
	handlerNanos  atomic.Int64
	highWaterMark atomic.Int64

	mu        sync.Mutex
	published map[shared.EventType]int64
	handled   map[shared.EventType]int64

	since time.Time
}

func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{
		published: make(map[shared.EventType]int64),
		handled:   make(map[shared.EventType]int64),
		since:     time.Now().UTC(),
	}
}

// RecordPublish counts an accepted event; depth is the queue length after it.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType, depth int) {
	m.mu.Lock()
	m.published[eventType]++
	m.mu.Unlock()

	for {
		cur := m.highWaterMark.Load()
		if int64(depth) <= cur || m.highWaterMark.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

// RecordRejected counts an event refused by a full queue.
func (m *EventBusMetrics) RecordRejected() { m.rejected.Add(1) }

// RecordSystemError counts a system.error event raised by the bus itself.
func (m *EventBusMetrics) RecordSystemError() { m.systemErrors.Add(1) }

func (m *EventBusMetrics) RecordHandlerExecution(eventType shared.EventType, duration time.Duration, success bool) {
	m.executions.Add(1)
	m.handlerNanos.Add(int64(duration))
	if !success {
		m.failures.Add(1)
	}
	m.mu.Lock()
	m.handled[eventType]++
	m.mu.Unlock()
}

// Snapshot returns the current values.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	s := EventBusMetricsSnapshot{
		Rejected:           m.rejected.Load(),
		QueueHighWater:     int(m.highWaterMark.Load()),
		TotalHandlerExecs:  m.executions.Load(),
		HandlerFailures:    m.failures.Load(),
		SystemErrors:       m.systemErrors.Load(),
		HandlerSuccessRate: 1,
		Since:              m.since,
		PublishedByType:    make(map[shared.EventType]int64),
	}
	if s.TotalHandlerExecs > 0 {
		s.HandlerSuccessRate = float64(s.TotalHandlerExecs-s.HandlerFailures) / float64(s.TotalHandlerExecs)
		s.AverageHandlerDuration = time.Duration(m.handlerNanos.Load() / s.TotalHandlerExecs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for t, n := range m.published {
		s.PublishedByType[t] = n
		s.TotalPublished += n
	}
	return s
}

// EventBusMetricsSnapshot is a point-in-time copy of EventBusMetrics.
type EventBusMetricsSnapshot struct {
	TotalPublished         int64                      `json:"total_published"`
	PublishedByType        map[shared.EventType]int64 `json:"published_by_type"`
	Rejected               int64                      `json:"rejected"`
	QueueHighWater         int                        `json:"queue_high_water"`
	TotalHandlerExecs      int64                      `json:"total_handler_execs"`
	HandlerFailures        int64                      `json:"handler_failures"`
	SystemErrors           int64                      `json:"system_errors"`
	HandlerSuccessRate     float64                    `json:"handler_success_rate"`
	AverageHandlerDuration time.Duration              `json:"average_handler_duration"`
	Since                  time.Time                  `json:"since"`
}
