package eventhandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/messaging"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T) *messaging.Bus {
	t.Helper()
	bus := messaging.NewBus(messaging.Config{Logger: quietLogger()})
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

var meta = shared.Metadata{SessionID: "session-1", LearnerID: "learner-1"}

func TestAuditRecorder_RecordsEveryEvent(t *testing.T) {
	bus := newBus(t)
	store := memory.NewEventStore()
	_, err := NewAuditRecorder(store, quietLogger()).Register(bus)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.ProgressUpdatedPayload{Step: 1, StepProgress: 40}, meta)))
	require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.StepCompletedPayload{Step: 1, Score: 80}, meta)))

	events, err := store.ListBySession(ctx, "session-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, shared.EventProgressUpdated, events[0].Type)
	assert.Equal(t, shared.EventStepCompleted, events[1].Type)
}

type failingStore struct{}

func (failingStore) Append(context.Context, shared.Event) error { return errors.New("disk full") }
func (failingStore) ListBySession(context.Context, string, int) ([]shared.Event, error) {
	return nil, nil
}

func TestAuditRecorder_FailureBecomesSystemError(t *testing.T) {
	bus := newBus(t)
	_, err := NewAuditRecorder(failingStore{}, quietLogger()).Register(bus)
	require.NoError(t, err)
	monitor := NewErrorMonitor(quietLogger())
	_, err = monitor.Register(bus)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), shared.NewEvent(shared.StepChangedPayload{From: 1, To: 2}, meta)))

	assert.Equal(t, 1, monitor.Stats().SystemErrors)
	// the system.error itself cannot be recorded either, and is not re-wrapped
	assert.Equal(t, 2, bus.DeadLetters().Size())
}

func TestMilestoneNotifier(t *testing.T) {
	bus := newBus(t)
	inbox := NewInbox(2)
	_, err := NewMilestoneNotifier(quietLogger(), inbox, LogSender{Logger: quietLogger()}).Register(bus)
	require.NoError(t, err)

	ctx := context.Background()
	publish := func(p shared.Payload) {
		require.NoError(t, bus.Publish(ctx, shared.NewEvent(p, meta)))
	}
	publish(shared.ProgressUpdatedPayload{Step: 1})
	publish(shared.StepCompletedPayload{Step: 1, Score: 85, GlobalProgress: 20})
	publish(shared.MilestoneReachedPayload{MilestoneID: "onboarding_complete", Name: "Onboarding complete", CertificateID: "onboarding_complete", VerificationCode: "ABCD-EF01-2345-6789"})
	publish(shared.SessionEndedPayload{CompletedSteps: []int{1}, GlobalProgress: 20, TimeSpentTotal: 15})

	got := inbox.List("session-1")
	require.Len(t, got, 2, "inbox keeps the latest two")
	assert.Equal(t, NotifyMilestone, got[0].Kind)
	assert.Contains(t, got[0].Body, "ABCD-EF01-2345-6789")
	assert.Equal(t, NotifySessionEnded, got[1].Kind)
	assert.Equal(t, "learner-1", got[1].LearnerID)

	inbox.Forget("session-1")
	assert.Empty(t, inbox.List("session-1"))
}

func TestErrorMonitor_CountsByKind(t *testing.T) {
	bus := newBus(t)
	monitor := NewErrorMonitor(quietLogger())
	_, err := monitor.Register(bus)
	require.NoError(t, err)

	ctx := context.Background()
	for _, kind := range []string{"illegal_transition", "illegal_transition", "validation_exhausted"} {
		require.NoError(t, bus.Publish(ctx, shared.NewEvent(shared.ErrorOccurredPayload{Operation: "Advance", Kind: kind}, meta)))
	}

	stats := monitor.Stats()
	assert.Equal(t, map[string]int{"illegal_transition": 2, "validation_exhausted": 1}, stats.ByKind)
	assert.Zero(t, stats.SystemErrors)
}
