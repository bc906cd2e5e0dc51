package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
)

// fakeStore mimics Cache with JSON values in a map.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	failGet bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = b
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet {
		return errors.New("connection reset")
	}
	b, ok := f.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func newSnapshotCache(store Store, backing training.SnapshotRepository) *SnapshotCache {
	return NewSnapshotCache(store, backing, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSnapshotCache_WriteThrough(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	backing := memory.NewSnapshotRepository()
	cache := newSnapshotCache(store, backing)

	s := training.NewLearnerState("learner-1", "session-1", time.Now().UTC()).WithTimeSpent(7)
	require.NoError(t, cache.Save(ctx, s.Snapshot()))

	assert.Contains(t, store.data, SnapshotKey("session-1"))
	stored, err := backing.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 7, stored.TimeSpentTotal)

	got, err := cache.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, s.Revision(), got.Revision)
}

func TestSnapshotCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	backing := memory.NewSnapshotRepository()
	cache := newSnapshotCache(store, backing)

	s := training.NewLearnerState("learner-1", "session-1", time.Now().UTC())
	require.NoError(t, backing.Save(ctx, s.Snapshot()))

	_, err := cache.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Contains(t, store.data, SnapshotKey("session-1"), "miss populates the cache")

	_, err = cache.Load(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, cache.Invalidate(ctx, "session-1"))
	assert.NotContains(t, store.data, SnapshotKey("session-1"))
}

func TestSnapshotCache_StaleSaveKeepsNewerCopy(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newSnapshotCache(store, memory.NewSnapshotRepository())

	old := training.NewLearnerState("learner-1", "session-1", time.Now().UTC())
	newer := old.WithStepProgress(60)
	require.NoError(t, cache.Save(ctx, newer.Snapshot()))
	require.NoError(t, cache.Save(ctx, old.Snapshot()))

	got, err := cache.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.StepProgress)
}

func TestSnapshotCache_CacheFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.failGet = true
	backing := memory.NewSnapshotRepository()
	cache := newSnapshotCache(store, backing)

	s := training.NewLearnerState("learner-1", "session-1", time.Now().UTC())
	require.NoError(t, cache.Save(ctx, s.Snapshot()))

	got, err := cache.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "learner-1", got.LearnerID)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "trainer:snapshot:abc", SnapshotKey("abc"))
	assert.Equal(t, "trainer:lock:session:abc", LockKey("session:abc"))
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
}
