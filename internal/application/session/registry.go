// Package session keeps the open learner sessions of this process. Each
// session gets its own event bus and orchestrator so a slow consumer of one
// learner never delays another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/messaging"
)

// Close reasons.
const (
	ReasonUserRequest = "user_request"
	ReasonIdle        = "idle_timeout"
	ReasonShutdown    = "shutdown"
)

// Locker guards a session against being opened by two instances.
type Locker interface {
	AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, owner string) error
}

// Relay forwards the events of a session bus to other instances.
type Relay interface {
	Attach(bus shared.EventSubscriber) (string, error)
}

// Config configures a Registry.
type Config struct {
	Catalog      training.Catalog
	Policies     orchestrator.Policies
	Repository   training.SnapshotRepository
	Orchestrator orchestrator.Config
	Bus          messaging.Config
	Consumers    []eventhandler.Registrar
	Relay        Relay
	Locker       Locker
	LockTTL      time.Duration
	InstanceID   string
	IdleTimeout  time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Session is one open learner session.
type Session struct {
	ID        shared.SessionID
	LearnerID shared.LearnerID
	OpenedAt  time.Time

	orch     *orchestrator.Orchestrator
	bus      *messaging.Bus
	lastUsed atomic.Int64
}

// Orchestrator returns the command surface of the session.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Bus returns the event bus of the session.
func (s *Session) Bus() *messaging.Bus { return s.bus }

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

// LastUsed returns when the session was last looked up.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()).UTC() }

// Info summarises a session for listings.
type Info struct {
	SessionID      string    `json:"session_id"`
	LearnerID      string    `json:"learner_id"`
	OpenedAt       time.Time `json:"opened_at"`
	LastUsed       time.Time `json:"last_used"`
	CurrentStep    int       `json:"current_step"`
	GlobalProgress int       `json:"global_progress"`
}

// Registry owns the open sessions.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[shared.SessionID]*Session
	opening  map[shared.SessionID]struct{}
	closed   bool
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Catalog == nil {
		return nil, shared.NewDomainError("session", "NewRegistry", shared.ErrConfiguration, "catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Policies.Weighting == nil {
		cfg.Policies = orchestrator.DefaultPolicies()
	}
	if cfg.Orchestrator.Logger == nil {
		cfg.Orchestrator.Logger = cfg.Logger
	}
	if cfg.Orchestrator.Now == nil {
		cfg.Orchestrator.Now = cfg.Now
	}
	if cfg.Bus.Logger == nil {
		cfg.Bus.Logger = cfg.Logger
	}

	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session_registry"),
		sessions: make(map[shared.SessionID]*Session),
		opening:  make(map[shared.SessionID]struct{}),
	}, nil
}

func lockResource(id shared.SessionID) string {
	return "session:" + id.String()
}

// Open loads a session and starts serving it. A failed start is reported in
// the Result; the error is non-nil only for configuration errors.
func (r *Registry) Open(ctx context.Context, learner shared.LearnerID, id shared.SessionID) (*Session, orchestrator.Result, error) {
	if err := r.reserve(id); err != nil {
		return nil, orchestrator.Result{Success: false, Message: err.Error(), ErrorKind: orchestrator.ErrorKind(err)}, nil
	}
	defer r.release(id)

	locked := false
	if r.cfg.Locker != nil {
		ok, err := r.cfg.Locker.AcquireLock(ctx, lockResource(id), r.cfg.InstanceID, r.cfg.LockTTL)
		switch {
		case err != nil:
			r.logger.Warn("session lock unavailable, opening without it", "session_id", id, "error", err)
		case !ok:
			return nil, orchestrator.Result{
				Success:   false,
				Message:   "session is open on another instance",
				ErrorKind: orchestrator.ErrorKind(shared.ErrSessionAlreadyOpen),
			}, nil
		default:
			locked = true
		}
	}

	s, res, err := r.start(ctx, learner, id)
	if err != nil || !res.Success {
		if locked {
			r.unlock(id)
		}
		return nil, res, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Info("session opened", "session_id", id, "learner_id", learner, "locked", locked)
	return s, res, nil
}

func (r *Registry) start(ctx context.Context, learner shared.LearnerID, id shared.SessionID) (*Session, orchestrator.Result, error) {
	bus := messaging.NewBus(r.cfg.Bus)
	if err := bus.Start(); err != nil {
		return nil, orchestrator.Result{Success: false, Message: err.Error(), ErrorKind: "internal"}, nil
	}
	stopBus := func() {
		if err := bus.Stop(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("session bus did not drain", "session_id", id, "error", err)
		}
	}

	for _, c := range r.cfg.Consumers {
		if _, err := c.Register(bus); err != nil {
			stopBus()
			return nil, orchestrator.Result{}, shared.WrapError("session", "Open", shared.ErrConfiguration, "consumer registration failed", err)
		}
	}
	if r.cfg.Relay != nil {
		if _, err := r.cfg.Relay.Attach(bus); err != nil {
			stopBus()
			return nil, orchestrator.Result{}, shared.WrapError("session", "Open", shared.ErrConfiguration, "relay attach failed", err)
		}
	}

	deps := orchestrator.NewDependencies(r.cfg.Catalog, bus, r.cfg.Repository, r.cfg.Policies, r.cfg.Orchestrator.Now)
	orch, err := orchestrator.New(deps, r.cfg.Orchestrator)
	if err != nil {
		stopBus()
		return nil, orchestrator.Result{}, err
	}

	res, err := orch.Start(ctx, learner, id)
	if err != nil || !res.Success {
		_ = orch.Close(ctx)
		stopBus()
		return nil, res, err
	}

	s := &Session{ID: id, LearnerID: learner, OpenedAt: r.cfg.Now().UTC(), orch: orch, bus: bus}
	s.touch(r.cfg.Now())
	return s, res, nil
}

func (r *Registry) reserve(id shared.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return shared.NewDomainError("session", "Open", shared.ErrServiceUnavailable, "registry is shutting down")
	}
	if _, ok := r.sessions[id]; ok {
		return shared.ErrSessionAlreadyOpen
	}
	if _, ok := r.opening[id]; ok {
		return shared.ErrSessionAlreadyOpen
	}
	r.opening[id] = struct{}{}
	return nil
}

func (r *Registry) release(id shared.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.opening, id)
}

func (r *Registry) unlock(id shared.SessionID) {
	if r.cfg.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Locker.ReleaseLock(ctx, lockResource(id), r.cfg.InstanceID); err != nil {
		r.logger.Warn("failed to release session lock", "session_id", id, "error", err)
	}
}

// Get returns an open session.
func (r *Registry) Get(id shared.SessionID) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, shared.ErrSessionNotFound
	}
	s.touch(r.cfg.Now())
	return s, nil
}

// Close ends a session and releases its resources.
func (r *Registry) Close(ctx context.Context, id shared.SessionID, reason string) (orchestrator.Result, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return orchestrator.Result{
			Success:   false,
			Message:   "session not found",
			ErrorKind: orchestrator.ErrorKind(shared.ErrSessionNotFound),
		}, nil
	}
	return r.shutdownSession(ctx, s, reason)
}

func (r *Registry) shutdownSession(ctx context.Context, s *Session, reason string) (orchestrator.Result, error) {
	res, err := s.orch.End(ctx, reason)
	if stopErr := s.bus.Stop(ctx); stopErr != nil {
		r.logger.Warn("session bus did not drain", "session_id", s.ID, "error", stopErr)
	}
	r.unlock(s.ID)
	r.logger.Info("session closed", "session_id", s.ID, "reason", reason)
	return res, err
}

// List describes the open sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		st := s.orch.Learner()
		out = append(out, Info{
			SessionID:      s.ID.String(),
			LearnerID:      s.LearnerID.String(),
			OpenedAt:       s.OpenedAt,
			LastUsed:       s.LastUsed(),
			CurrentStep:    st.CurrentStep().Int(),
			GlobalProgress: st.GlobalProgress().Int(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the idle timeout and refreshes
// the locks of the others. It returns the number of closed sessions.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.cfg.Now()

	r.mu.Lock()
	var idle, live []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastUsed()) > r.cfg.IdleTimeout {
			idle = append(idle, s)
			delete(r.sessions, id)
		} else {
			live = append(live, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		if _, err := r.shutdownSession(ctx, s, ReasonIdle); err != nil {
			r.logger.Error("failed to close idle session", "session_id", s.ID, "error", err)
		}
	}
	if r.cfg.Locker != nil {
		for _, s := range live {
			ok, err := r.cfg.Locker.AcquireLock(ctx, lockResource(s.ID), r.cfg.InstanceID, r.cfg.LockTTL)
			if err != nil || !ok {
				r.logger.Warn("session lock not refreshed", "session_id", s.ID, "held", ok, "error", err)
			}
		}
	}
	return len(idle)
}

// Shutdown closes every session and refuses new ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if _, err := r.shutdownSession(ctx, s, ReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}
