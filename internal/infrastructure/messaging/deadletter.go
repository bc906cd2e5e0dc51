package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// callHandler runs h and reports a panic as an error.
func callHandler(ctx context.Context, logger *slog.Logger, h shared.EventHandler, event shared.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("event handler panicked",
				"event_id", event.ID,
				"event_type", event.Type,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, event)
}

// DeadLetterEntry records a failed delivery.
type DeadLetterEntry struct {
	Event          shared.Event `json:"event"`
	SubscriptionID string       `json:"subscription_id"`
	Error          string       `json:"error"`
	FailedAt       time.Time    `json:"failed_at"`
}

// DeadLetterQueue keeps the last failed deliveries in a fixed ring.
type DeadLetterQueue struct {
	mu   sync.Mutex
	ring []DeadLetterEntry
	next int
	full bool
}

// NewDeadLetterQueue keeps up to capacity entries, 100 when capacity <= 0.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &DeadLetterQueue{ring: make([]DeadLetterEntry, capacity)}
}

// Add overwrites the oldest entry once the ring is full.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring[q.next] = entry
	q.next = (q.next + 1) % len(q.ring)
	if q.next == 0 {
		q.full = true
	}
}

// Entries returns the kept entries, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.full {
		return append([]DeadLetterEntry(nil), q.ring[:q.next]...)
	}
	out := make([]DeadLetterEntry, 0, len(q.ring))
	out = append(out, q.ring[q.next:]...)
	return append(out, q.ring[:q.next]...)
}

func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return len(q.ring)
	}
	return q.next
}
