package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

func TestSnapshotRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepository()

	_, err := repo.Load(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))

	s := training.NewLearnerState("learner-1", "session-1", time.Now().UTC()).WithStepProgress(40)
	require.NoError(t, repo.Save(ctx, s.Snapshot()))

	newer := s.WithTimeSpent(5)
	require.NoError(t, repo.Save(ctx, newer.Snapshot()))
	// a stale write does not replace the newer revision
	require.NoError(t, repo.Save(ctx, s.Snapshot()))

	got, err := repo.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, newer.Revision(), got.Revision)
	assert.Equal(t, 5, got.TimeSpentTotal)
	assert.Equal(t, 2, repo.Saves())

	restored, err := training.Restore(got)
	require.NoError(t, err)
	assert.True(t, restored.SameProgress(newer))
}

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	meta := shared.Metadata{SessionID: "session-1"}

	first := shared.NewEvent(shared.StepChangedPayload{From: 1, To: 2}, meta)
	second := shared.NewEvent(shared.ProgressUpdatedPayload{Step: 2, StepProgress: 10}, meta)
	other := shared.NewEvent(shared.StepChangedPayload{From: 1, To: 2}, shared.Metadata{SessionID: "session-2"})

	for _, e := range []shared.Event{first, second, first, other} {
		require.NoError(t, store.Append(ctx, e))
	}

	all, err := store.ListBySession(ctx, "session-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	last, err := store.ListBySession(ctx, "session-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, second.ID, last[0].ID)

	none, err := store.ListBySession(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
