package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// DefaultAutoSaveInterval is how often pending changes are written.
const DefaultAutoSaveInterval = 30 * time.Second

// AutoSaver writes learner snapshots in the background. A failed write is
// logged and picked up again on the next tick; callers are never blocked.
type AutoSaver struct {
	repo     training.SnapshotRepository
	source   func() training.Snapshot
	interval time.Duration
	logger   *slog.Logger

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	saved     int64
	failures  int
	lastError error
	stopped   bool
}

// NewAutoSaver creates a saver. source must return the latest snapshot and be
// safe to call from another goroutine.
func NewAutoSaver(repo training.SnapshotRepository, source func() training.Snapshot, interval time.Duration, logger *slog.Logger) *AutoSaver {
	if interval <= 0 {
		interval = DefaultAutoSaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSaver{
		repo:     repo,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "autosave"),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		saved:    -1,
	}
}

// Start launches the save loop.
func (a *AutoSaver) Start() {
	a.wg.Add(1)
	go a.loop()
}

// MarkSaved records a revision as already persisted.
func (a *AutoSaver) MarkSaved(revision int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if revision > a.saved {
		a.saved = revision
	}
}

// Notify asks for a save soon. It never blocks.
func (a *AutoSaver) Notify() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *AutoSaver) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		case <-a.notify:
		}
		a.saveIfDirty(context.Background())
	}
}

// saveIfDirty writes the current snapshot unless its revision was already saved.
func (a *AutoSaver) saveIfDirty(ctx context.Context) error {
	snap := a.source()

	a.mu.Lock()
	if snap.Revision <= a.saved {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	if err := a.repo.Save(saveCtx, snap); err != nil {
		a.mu.Lock()
		a.failures++
		a.lastError = err
		a.mu.Unlock()
		a.logger.Error("auto-save failed, retrying on next interval",
			"session_id", snap.SessionID,
			"revision", snap.Revision,
			"error", err,
		)
		return err
	}

	a.mu.Lock()
	if snap.Revision > a.saved {
		a.saved = snap.Revision
	}
	a.lastError = nil
	a.mu.Unlock()
	a.logger.Debug("snapshot saved", "session_id", snap.SessionID, "revision", snap.Revision)
	return nil
}

// Flush saves synchronously if anything is pending.
func (a *AutoSaver) Flush(ctx context.Context) error {
	return a.saveIfDirty(ctx)
}

// Stop ends the loop and flushes pending changes.
func (a *AutoSaver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
	return a.Flush(ctx)
}

// SaverStats reports auto-save health.
type SaverStats struct {
	SavedRevision int64  `json:"saved_revision"`
	Failures      int    `json:"failures"`
	LastError     string `json:"last_error,omitempty"`
}

// Stats returns the current counters.
func (a *AutoSaver) Stats() SaverStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := SaverStats{SavedRevision: a.saved, Failures: a.failures}
	if a.lastError != nil {
		s.LastError = a.lastError.Error()
	}
	return s
}
