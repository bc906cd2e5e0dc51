// Package persistence holds storage adapters for learner snapshots and the
// resilience wrapper shared by all of them.
package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/circuitbreaker"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// GUARDED REPOSITORY
// Retries transient storage failures and stops hammering a backend that is
// down. Not-found results pass through untouched.
// ══════════════════════════════════════════════════════════════════════════════

// GuardedRepository wraps a training.SnapshotRepository with retry and a
// circuit breaker. Every failure it returns matches shared.ErrPersistence,
// except shared.ErrNotFound from Load.
type GuardedRepository struct {
	inner   training.SnapshotRepository
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// GuardOption configures a GuardedRepository.
type GuardOption func(*GuardedRepository)

// WithRetryPolicy replaces the storage retry policy. A nil RetryIf keeps the
// repository's own classification.
func WithRetryPolicy(p retry.Policy) GuardOption {
	return func(g *GuardedRepository) {
		if p.RetryIf == nil {
			p.RetryIf = g.policy.RetryIf
		}
		g.policy = p
	}
}

// WithBreaker replaces the default storage breaker.
func WithBreaker(cb *circuitbreaker.Breaker) GuardOption {
	return func(g *GuardedRepository) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

// NewGuardedRepository wraps inner. name identifies the backend in logs.
func NewGuardedRepository(name string, inner training.SnapshotRepository, logger *slog.Logger, opts ...GuardOption) *GuardedRepository {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "snapshot_store", "backend", name)

	g := &GuardedRepository{inner: inner, logger: logger}
	g.policy = retry.Storage()
	g.policy.RetryIf = retryable
	g.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying snapshot store call", "attempt", attempt, "delay", delay, "error", err)
	}
	g.breaker = circuitbreaker.ForStorage(name, countsAsFailure, func(name string, from, to circuitbreaker.State) {
		logger.Warn("snapshot store breaker changed state", "from", from.String(), "to", to.String())
	})

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Save stores the snapshot.
func (g *GuardedRepository) Save(ctx context.Context, snap training.Snapshot) error {
	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			return g.inner.Save(ctx, snap)
		})
	})
	return g.wrap("Save", err)
}

// Load returns the snapshot of a session.
func (g *GuardedRepository) Load(ctx context.Context, sessionID shared.SessionID) (training.Snapshot, error) {
	snap, err := retry.DoValue(ctx, g.policy, func(ctx context.Context) (training.Snapshot, error) {
		var snap training.Snapshot
		err := g.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			snap, err = g.inner.Load(ctx, sessionID)
			return err
		})
		return snap, err
	})
	if err != nil {
		return training.Snapshot{}, g.wrap("Load", err)
	}
	return snap, nil
}

// BreakerState reports the breaker state for health endpoints.
func (g *GuardedRepository) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *GuardedRepository) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case shared.IsNotFound(err), shared.IsPersistence(err):
		return err
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return shared.WrapError("persistence", op, shared.ErrPersistence, "snapshot store unavailable", err)
	default:
		return shared.WrapError("persistence", op, shared.ErrPersistence, "snapshot store call failed", err)
	}
}

// retryable keeps the breaker's own rejections and domain answers out of the
// retry loop.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return countsAsFailure(err)
}

func countsAsFailure(err error) bool {
	return !shared.IsNotFound(err) && !shared.IsValidation(err)
}

var _ training.SnapshotRepository = (*GuardedRepository)(nil)
