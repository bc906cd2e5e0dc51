// Package memory provides in-process implementations of the persistence ports.
// Data lives as long as the process; it backs tests and single-node demos.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRepository stores snapshots in a map keyed by session id.
type SnapshotRepository struct {
	mu    sync.RWMutex
	items map[shared.SessionID][]byte
	saves int
}

// NewSnapshotRepository creates an empty repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{items: make(map[shared.SessionID][]byte)}
}

// Save stores a deep copy of the snapshot unless a newer revision is stored.
func (r *SnapshotRepository) Save(_ context.Context, snap training.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return shared.WrapError("memory", "Save", shared.ErrPersistence, "encode snapshot", err)
	}
	id := shared.SessionID(snap.SessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.items[id]; ok {
		var stored struct {
			Revision int64 `json:"revision"`
		}
		if err := json.Unmarshal(prev, &stored); err == nil && stored.Revision > snap.Revision {
			return nil
		}
	}
	r.items[id] = data
	r.saves++
	return nil
}

// Load returns the stored snapshot.
func (r *SnapshotRepository) Load(_ context.Context, id shared.SessionID) (training.Snapshot, error) {
	r.mu.RLock()
	data, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return training.Snapshot{}, shared.ErrSnapshotNotFound
	}

	var snap training.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return training.Snapshot{}, shared.WrapError("memory", "Load", shared.ErrPersistence, "decode snapshot", err)
	}
	return snap, nil
}

// Saves returns how many writes were applied.
func (r *SnapshotRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}

var _ training.SnapshotRepository = (*SnapshotRepository)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT STORE
// ══════════════════════════════════════════════════════════════════════════════

// EventStore keeps events in append order.
type EventStore struct {
	mu        sync.RWMutex
	ids       map[string]struct{}
	bySession map[string][]shared.Event
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		ids:       make(map[string]struct{}),
		bySession: make(map[string][]shared.Event),
	}
}

// Append stores an event once.
func (s *EventStore) Append(_ context.Context, event shared.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[event.ID]; ok {
		return nil
	}
	s.ids[event.ID] = struct{}{}
	sid := event.Metadata.SessionID
	s.bySession[sid] = append(s.bySession[sid], event)
	return nil
}

// ListBySession returns the most recent limit events of a session, oldest first.
func (s *EventStore) ListBySession(_ context.Context, sessionID string, limit int) ([]shared.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.bySession[sessionID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]shared.Event, len(events))
	copy(out, events)
	return out, nil
}

var _ shared.EventStore = (*EventStore)(nil)
