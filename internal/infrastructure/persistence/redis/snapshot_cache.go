package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// Store is the key/value subset of Cache used by SnapshotCache.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

var _ Store = (*Cache)(nil)

// SnapshotCache is a read-through, write-through cache in front of a
// snapshot repository. The repository stays the source of truth; cache
// failures are logged and never fail the call.
type SnapshotCache struct {
	store   Store
	backing training.SnapshotRepository
	ttl     time.Duration
	logger  *slog.Logger
}

// NewSnapshotCache wraps backing with a cache.
func NewSnapshotCache(store Store, backing training.SnapshotRepository, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = TTLSnapshotCache
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCache{
		store:   store,
		backing: backing,
		ttl:     ttl,
		logger:  logger.With("component", "snapshot_cache"),
	}
}

// Save writes to the repository, then refreshes the cached copy unless the
// cache already holds a newer revision.
func (c *SnapshotCache) Save(ctx context.Context, snap training.Snapshot) error {
	if err := c.backing.Save(ctx, snap); err != nil {
		return err
	}

	key := SnapshotKey(snap.SessionID)
	var cached training.Snapshot
	err := c.store.Get(ctx, key, &cached)
	switch {
	case err == nil && cached.Revision > snap.Revision:
		return nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("snapshot cache read failed", "session_id", snap.SessionID, "error", err)
	}

	if err := c.store.Set(ctx, key, snap, c.ttl); err != nil {
		c.logger.Warn("snapshot cache write failed", "session_id", snap.SessionID, "error", err)
		_ = c.store.Delete(ctx, key)
	}
	return nil
}

// Load serves the cached snapshot or loads it from the repository and caches it.
func (c *SnapshotCache) Load(ctx context.Context, sessionID shared.SessionID) (training.Snapshot, error) {
	key := SnapshotKey(sessionID.String())

	var snap training.Snapshot
	err := c.store.Get(ctx, key, &snap)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("snapshot cache read failed", "session_id", sessionID, "error", err)
	}

	snap, err = c.backing.Load(ctx, sessionID)
	if err != nil {
		return training.Snapshot{}, err
	}
	if err := c.store.Set(ctx, key, snap, c.ttl); err != nil {
		c.logger.Warn("snapshot cache write failed", "session_id", sessionID, "error", err)
	}
	return snap, nil
}

// Invalidate drops the cached copy of a session.
func (c *SnapshotCache) Invalidate(ctx context.Context, sessionID shared.SessionID) error {
	return c.store.Delete(ctx, SnapshotKey(sessionID.String()))
}

var _ training.SnapshotRepository = (*SnapshotCache)(nil)
