package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/circuitbreaker"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("connection reset")

// flakyRepo fails the first `failures` calls, then delegates.
type flakyRepo struct {
	inner    training.SnapshotRepository
	failures int
	calls    int
}

func (f *flakyRepo) Save(ctx context.Context, snap training.Snapshot) error {
	f.calls++
	if f.calls <= f.failures {
		return errBackend
	}
	return f.inner.Save(ctx, snap)
}

func (f *flakyRepo) Load(ctx context.Context, id shared.SessionID) (training.Snapshot, error) {
	f.calls++
	if f.calls <= f.failures {
		return training.Snapshot{}, errBackend
	}
	return f.inner.Load(ctx, id)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond}
}

func snapshot(session string) training.Snapshot {
	state := training.NewLearnerState("learner-1", shared.SessionID(session), time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return state.Snapshot()
}

func TestGuardedRepository_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyRepo{inner: memory.NewSnapshotRepository(), failures: 2}
	repo := NewGuardedRepository("memory", flaky, quietLogger(), WithRetryPolicy(fastRetry()))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, snapshot("s-1")))
	assert.Equal(t, 3, flaky.calls)

	got, err := repo.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "learner-1", got.LearnerID)
}

func TestGuardedRepository_NotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyRepo{inner: memory.NewSnapshotRepository()}
	repo := NewGuardedRepository("memory", flaky, quietLogger(), WithRetryPolicy(fastRetry()))

	_, err := repo.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
	assert.False(t, shared.IsPersistence(err))
	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, circuitbreaker.StateClosed, repo.BreakerState())
}

func TestGuardedRepository_OpensBreaker(t *testing.T) {
	flaky := &flakyRepo{inner: memory.NewSnapshotRepository(), failures: 100}
	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:             "memory",
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
		IsFailure:        countsAsFailure,
	})
	repo := NewGuardedRepository("memory", flaky, quietLogger(),
		WithRetryPolicy(fastRetry()), WithBreaker(breaker))

	err := repo.Save(context.Background(), snapshot("s-1"))
	require.Error(t, err)
	assert.True(t, shared.IsPersistence(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, flaky.calls, "the breaker stops the third attempt")
	assert.Equal(t, circuitbreaker.StateOpen, repo.BreakerState())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"backend", errBackend, true},
		{"not found", shared.ErrSnapshotNotFound, false},
		{"open breaker", circuitbreaker.ErrOpen, false},
		{"cancelled", context.Canceled, false},
		{"invalid", shared.NewDomainError("x", "y", shared.ErrInvalidInput, "bad"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}
