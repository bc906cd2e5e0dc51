package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLocker struct {
	mu       sync.Mutex
	owners   map[string]string
	acquires int
	err      error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{owners: make(map[string]string)}
}

func (l *fakeLocker) AcquireLock(_ context.Context, resource, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.err != nil {
		return false, l.err
	}
	if cur, ok := l.owners[resource]; ok && cur != owner {
		return false, nil
	}
	l.owners[resource] = owner
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, resource, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[resource] == owner {
		delete(l.owners, resource)
	}
	return nil
}

func (l *fakeLocker) held(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.owners[resource]
	return ok
}

type fakeRelay struct {
	mu       sync.Mutex
	attached int
}

func (r *fakeRelay) Attach(bus shared.EventSubscriber) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached++
	return bus.Subscribe([]shared.EventType{shared.EventAny}, func(context.Context, shared.Event) error { return nil }, 0)
}

type fixture struct {
	reg    *Registry
	clock  *clock
	events *memory.EventStore
	repo   *memory.SnapshotRepository
	locker *fakeLocker
	relay  *fakeRelay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		clock:  &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		events: memory.NewEventStore(),
		repo:   memory.NewSnapshotRepository(),
		locker: newFakeLocker(),
		relay:  &fakeRelay{},
	}
	reg, err := NewRegistry(Config{
		Catalog:     training.DefaultCatalog(),
		Repository:  f.repo,
		Consumers:   []eventhandler.Registrar{eventhandler.NewAuditRecorder(f.events, logger)},
		Relay:       f.relay,
		Locker:      f.locker,
		InstanceID:  "instance-a",
		IdleTimeout: 10 * time.Minute,
		Now:         f.clock.Now,
		Logger:      logger,
	})
	require.NoError(t, err)
	f.reg = reg
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return f
}

func (f *fixture) eventTypes(t *testing.T, session string) []shared.EventType {
	t.Helper()
	events, err := f.events.ListBySession(context.Background(), session, 0)
	require.NoError(t, err)
	out := make([]shared.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestNewRegistry_RequiresCatalog(t *testing.T) {
	_, err := NewRegistry(Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConfiguration))
}

func TestRegistry_OpenGetClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, res, err := f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, shared.SessionID("session-1"), s.ID)
	assert.True(t, f.locker.held("session:session-1"))
	assert.Equal(t, 1, f.relay.attached)

	got, err := f.reg.Get("session-1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, f.reg.Len())

	list := f.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "learner-1", list[0].LearnerID)
	assert.Equal(t, 1, list[0].CurrentStep)

	res, err = f.reg.Close(ctx, "session-1", ReasonUserRequest)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, f.locker.held("session:session-1"))
	assert.Equal(t, 0, f.reg.Len())

	// the bus drains before Close returns
	assert.Equal(t, []shared.EventType{shared.EventSessionStarted, shared.EventSessionEnded}, f.eventTypes(t, "session-1"))

	_, err = f.reg.Get("session-1")
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	res, err = f.reg.Close(ctx, "session-1", ReasonUserRequest)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.ErrorKind)
}

func TestRegistry_OpenTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, res, err := f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	s, res, err := f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.False(t, res.Success)
	assert.Equal(t, "already_exists", res.ErrorKind)
}

func TestRegistry_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ok, err := f.locker.AcquireLock(context.Background(), "session:session-1", "instance-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s, res, err := f.reg.Open(context.Background(), "learner-1", "session-1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.False(t, res.Success)
	assert.Equal(t, "already_exists", res.ErrorKind)
	assert.Equal(t, 0, f.reg.Len())
}

func TestRegistry_LockerDownStillOpens(t *testing.T) {
	f := newFixture(t)
	f.locker.err = errors.New("connection refused")

	_, res, err := f.reg.Open(context.Background(), "learner-1", "session-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRegistry_ResumesSavedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _, err := f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	res, err := s.Orchestrator().UpdateProgress(ctx, 1, 40, 5)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	// End saves the final snapshot
	_, err = f.reg.Close(ctx, "session-1", ReasonUserRequest)
	require.NoError(t, err)

	s, res, err = f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	data, ok := res.Data.(orchestrator.SessionData)
	require.True(t, ok)
	assert.True(t, data.Resumed)
	assert.EqualValues(t, 5, s.Orchestrator().Learner().TimeSpentTotal())
}

func TestRegistry_SweepClosesIdleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.reg.Open(ctx, "learner-1", "idle")
	require.NoError(t, err)
	f.clock.Advance(8 * time.Minute)
	_, _, err = f.reg.Open(ctx, "learner-2", "busy")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.reg.Get("busy")
	require.NoError(t, err)

	acquires := f.locker.acquires
	assert.Equal(t, 1, f.reg.Sweep(ctx))
	assert.Equal(t, 1, f.reg.Len())
	assert.Equal(t, acquires+1, f.locker.acquires, "live session lock is refreshed")

	_, err = f.reg.Get("idle")
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	types := f.eventTypes(t, "idle")
	require.NotEmpty(t, types)
	assert.Equal(t, shared.EventSessionEnded, types[len(types)-1])
}

func TestRegistry_Shutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.reg.Open(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	_, _, err = f.reg.Open(ctx, "learner-2", "session-2")
	require.NoError(t, err)

	require.NoError(t, f.reg.Shutdown(ctx))
	assert.Equal(t, 0, f.reg.Len())
	assert.False(t, f.locker.held("session:session-1"))

	_, res, err := f.reg.Open(ctx, "learner-3", "session-3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "unavailable", res.ErrorKind)
}
