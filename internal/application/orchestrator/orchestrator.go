// Package orchestrator is the command surface of the progression engine. An
// Orchestrator owns the learner state of one session and is its only writer;
// the domain managers compute the next state and the events it implies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/checkpoint"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/navigation"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/progress"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/transition"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies are the collaborators of an orchestrator. Repository is
// optional; without it sessions always start fresh and nothing is saved.
type Dependencies struct {
	Catalog     training.Catalog
	Validator   *checkpoint.Validator
	Gate        *navigation.Gate
	Progress    *progress.Manager
	Transitions *transition.Manager
	Bus         shared.EventPublisher
	Repository  training.SnapshotRepository
}

// Policies selects the configurable behavior of the domain components.
type Policies struct {
	Navigation      navigation.Policy
	Weighting       checkpoint.WeightingPolicy
	ComplianceFloor int
	Compliance      progress.CompliancePolicy
	Milestones      []progress.Milestone
}

// DefaultPolicies returns back navigation without skipping, points weighting,
// a compliance floor of 70 and the default milestones.
func DefaultPolicies() Policies {
	return Policies{
		Navigation:      navigation.DefaultPolicy(),
		Weighting:       checkpoint.PointsWeighting{},
		ComplianceFloor: checkpoint.DefaultComplianceFloor,
		Compliance:      progress.DefaultCompliancePolicy(),
		Milestones:      progress.DefaultMilestones(),
	}
}

// NewDependencies builds the domain components around a catalog.
func NewDependencies(catalog training.Catalog, bus shared.EventPublisher, repo training.SnapshotRepository, p Policies, now func() time.Time) Dependencies {
	if now == nil {
		now = time.Now
	}
	return Dependencies{
		Catalog: catalog,
		Validator: checkpoint.NewValidator(catalog, checkpoint.Config{
			Weighting:       p.Weighting,
			ComplianceFloor: p.ComplianceFloor,
		}),
		Gate: navigation.NewGate(p.Navigation),
		Progress: progress.NewManager(progress.Config{
			Milestones: p.Milestones,
			Compliance: p.Compliance,
			Now:        now,
		}),
		Transitions: transition.NewManager(catalog, now),
		Bus:         bus,
		Repository:  repo,
	}
}

// Config configures an orchestrator.
type Config struct {
	// AutoSave enables background snapshot writes. It needs a Repository.
	AutoSave bool
	// AutoSaveInterval is the period of background writes.
	AutoSaveInterval time.Duration
	// SaveOnChange also schedules a write after every mutating command.
	SaveOnChange bool
	Now          func() time.Time
	Logger       *slog.Logger
}

// DefaultConfig returns auto-save every 30 seconds.
func DefaultConfig() Config {
	return Config{
		AutoSave:         true,
		AutoSaveInterval: DefaultAutoSaveInterval,
		Now:              time.Now,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Orchestrator serves the commands of one learner session.
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	saver  *AutoSaver

	// cmdMu serializes commands, including the publication of their events.
	cmdMu sync.Mutex

	mu      sync.RWMutex
	state   training.LearnerState
	started bool
	ended   bool
}

// New validates the dependencies and creates an orchestrator. Call Start
// before issuing commands.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	var missing []string
	if deps.Catalog == nil {
		missing = append(missing, "catalog")
	}
	if deps.Validator == nil {
		missing = append(missing, "validator")
	}
	if deps.Gate == nil {
		missing = append(missing, "navigation gate")
	}
	if deps.Progress == nil {
		missing = append(missing, "progress manager")
	}
	if deps.Transitions == nil {
		missing = append(missing, "transition manager")
	}
	if deps.Bus == nil {
		missing = append(missing, "event bus")
	}
	if len(missing) > 0 {
		return nil, shared.NewDomainError("orchestrator", "New", shared.ErrConfiguration,
			fmt.Sprintf("missing dependencies: %v", missing))
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "orchestrator"),
	}, nil
}

// Start loads the session once. A stored snapshot is resumed; a missing one
// starts the learner on the first step.
func (o *Orchestrator) Start(ctx context.Context, learner shared.LearnerID, session shared.SessionID) (Result, error) {
	const op = "Start"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()
	if started {
		return o.reject(ctx, op, 0, shared.ErrSessionAlreadyOpen), nil
	}

	state, resumed, err := o.load(ctx, learner, session)
	if err != nil {
		if shared.IsConfiguration(err) {
			return o.fatal(ctx, op, 0, err)
		}
		o.logger.Error("failed to load session", "session_id", session, "error", err)
		return Result{Success: false, Message: message(err), ErrorKind: ErrorKind(err)}, nil
	}

	o.mu.Lock()
	o.state = state
	o.started = true
	o.mu.Unlock()

	if o.cfg.AutoSave && o.deps.Repository != nil {
		o.saver = NewAutoSaver(o.deps.Repository, o.snapshot, o.cfg.AutoSaveInterval, o.cfg.Logger)
		if resumed {
			o.saver.MarkSaved(state.Revision())
		}
		o.saver.Start()
	}

	o.publish(ctx, state, shared.SessionStartedPayload{
		Resumed:        resumed,
		CurrentStep:    state.CurrentStep().Int(),
		GlobalProgress: state.GlobalProgress().Int(),
	})

	o.logger.Info("session started",
		"session_id", session,
		"learner_id", learner,
		"resumed", resumed,
		"current_step", state.CurrentStep().Int(),
	)

	msg := "Session started"
	if resumed {
		msg = "Session resumed"
	}
	return ok(msg, SessionData{Resumed: resumed, Snapshot: state.Snapshot()}, ActionContinueStep), nil
}

func (o *Orchestrator) load(ctx context.Context, learner shared.LearnerID, session shared.SessionID) (training.LearnerState, bool, error) {
	fresh := training.NewLearnerState(learner, session, o.cfg.Now())
	if o.deps.Repository == nil {
		return fresh, false, nil
	}

	snap, err := o.deps.Repository.Load(ctx, session)
	if err != nil {
		if shared.IsNotFound(err) {
			return fresh, false, nil
		}
		return training.LearnerState{}, false, err
	}

	state, err := training.Restore(snap)
	if err != nil {
		return training.LearnerState{}, false, err
	}
	if state.LearnerID() != learner {
		return training.LearnerState{}, false, shared.NewDomainError("orchestrator", "Start", shared.ErrInvalidState,
			"session belongs to another learner")
	}
	if err := training.CheckInvariants(state, o.deps.Catalog); err != nil {
		return training.LearnerState{}, false, err
	}
	return state, true, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────────────────

// StartStep moves the learner to a step and starts it. Moving to the next
// step goes through the transition manager; moving back is review.
func (o *Orchestrator) StartStep(ctx context.Context, n int) (Result, error) {
	const op = "StartStep"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if err := o.guard(op); err != nil {
		return o.reject(ctx, op, n, err), nil
	}
	step, err := training.ParseStep(n)
	if err != nil {
		return o.fatal(ctx, op, n, err)
	}

	s := o.current()
	if err := o.deps.Gate.CheckTarget(s, step); err != nil {
		if shared.IsConfiguration(err) {
			return o.fatal(ctx, op, n, err)
		}
		return o.reject(ctx, op, n, err), nil
	}

	from := s.CurrentStep()
	var events []shared.Payload
	next := s
	switch {
	case step == from:
	case step == from+1:
		score, completed := s.CompletionScore(from)
		if !completed {
			score, _ = s.Score(from)
		}
		out, err := o.deps.Transitions.Transition(s, from, step, score, 0)
		if err != nil {
			if shared.IsConfiguration(err) {
				return o.fatal(ctx, op, n, err)
			}
			return o.reject(ctx, op, n, err), nil
		}
		next = out.State
		events = append(events, out.Events...)
	default:
		next = s.WithCurrentStep(step)
		events = append(events, shared.StepChangedPayload{From: from.Int(), To: step.Int()})
	}

	pout, err := o.deps.Progress.RecordStepProgress(next, step, 0, 0)
	if err != nil {
		return o.reject(ctx, op, n, err), nil
	}
	next = pout.State.WithActivity(o.cfg.Now())
	events = append(events, pout.Events...)

	if err := o.commit(ctx, next, events); err != nil {
		return o.commitFailed(ctx, op, n, err)
	}

	return ok(fmt.Sprintf("Step %d started", step), StepData{
		Step:       step,
		Navigation: o.deps.Gate.Describe(next, o.deps.Catalog),
	}, ActionContinueStep), nil
}

// UpdateProgress records progress on the current step. percent is clamped to
// [0, 100]; minutes are added to both time counters.
func (o *Orchestrator) UpdateProgress(ctx context.Context, n int, percent float64, minutes int) (Result, error) {
	const op = "UpdateProgress"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if err := o.guard(op); err != nil {
		return o.reject(ctx, op, n, err), nil
	}
	step, err := training.ParseStep(n)
	if err != nil {
		return o.fatal(ctx, op, n, err)
	}

	out, err := o.deps.Progress.RecordStepProgress(o.current(), step, percent, shared.Minutes(minutes))
	if err != nil {
		return o.reject(ctx, op, n, err), nil
	}
	next := out.State.WithActivity(o.cfg.Now())
	if err := o.commit(ctx, next, out.Events); err != nil {
		return o.commitFailed(ctx, op, n, err)
	}

	return ok("Progress updated", ProgressData{
		Progress: progressOf(next),
		Awarded:  out.Awarded,
	}, ActionContinueStep), nil
}

// ValidateStep evaluates the checkpoint of the current step. minutes are
// recorded before evaluation. A passing result completes the step; an
// exhausted checkpoint changes nothing.
func (o *Orchestrator) ValidateStep(ctx context.Context, n int, ev training.Evidence, minutes int) (Result, error) {
	const op = "ValidateStep"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if err := o.guard(op); err != nil {
		return o.reject(ctx, op, n, err), nil
	}
	step, err := training.ParseStep(n)
	if err != nil {
		return o.fatal(ctx, op, n, err)
	}

	s := o.current()
	if step != s.CurrentStep() {
		return o.reject(ctx, op, n, shared.NewDomainError("orchestrator", op, shared.ErrIllegalTransition,
			fmt.Sprintf("step %d is not the current step %d", step, s.CurrentStep()))), nil
	}
	if minutes < 0 {
		return o.reject(ctx, op, n, shared.NewDomainError("orchestrator", op, shared.ErrNegativeValue,
			"minutes cannot be negative")), nil
	}

	timed := o.deps.Progress.RecordTime(s, shared.Minutes(minutes))
	res, err := o.deps.Validator.Validate(timed.State, step, ev, timed.State.TimeSpentCurrentStep())
	if err != nil {
		return o.fatal(ctx, op, n, err)
	}

	if res.Exhausted {
		r := o.reject(ctx, op, n, res.Err(), shared.ValidationCompletedPayload{
			Step:      step.Int(),
			Attempt:   res.Attempt,
			Exhausted: true,
		})
		r.Message = res.Feedback
		r.Data = ValidationData{
			Validation:     res,
			Completed:      s.IsCompleted(step),
			GlobalProgress: s.GlobalProgress().Int(),
		}
		return r, nil
	}

	events := append([]shared.Payload(nil), timed.Events...)
	awarded := append([]training.Certificate(nil), timed.Awarded...)

	next := res.ApplyAttempt(timed.State)
	scored := o.deps.Progress.RecordScore(next, step, res.Percentage)
	next = scored.State
	events = append(events, scored.Events...)
	awarded = append(awarded, scored.Awarded...)

	if res.CanProceed {
		done, err := o.deps.Progress.CompleteStep(next, step, res)
		if err != nil {
			return o.reject(ctx, op, n, err), nil
		}
		next = done.State
		events = append(events, done.Events...)
		awarded = append(awarded, done.Awarded...)
	}

	events = append(events, shared.ValidationCompletedPayload{
		Step:              step.Int(),
		Percentage:        res.Percentage.Int(),
		CanProceed:        res.CanProceed,
		ComplianceOK:      res.ComplianceOK,
		MandatoryOK:       res.MandatoryOK,
		Attempt:           res.Attempt,
		AttemptsRemaining: res.AttemptsRemaining,
	})
	next = next.WithActivity(o.cfg.Now())
	if err := o.commit(ctx, next, events); err != nil {
		return o.commitFailed(ctx, op, n, err)
	}

	o.logger.Info("checkpoint evaluated",
		"session_id", next.SessionID(),
		"step", step.Int(),
		"percentage", res.Percentage.Int(),
		"can_proceed", res.CanProceed,
		"attempt", res.Attempt,
	)

	action := ActionContactSupport
	switch {
	case res.CanProceed:
		action = ActionProceedNextStep
		if _, more := step.Next(); !more {
			action = ActionReview
		}
	case res.RetryAllowed:
		action = ActionRetryValidation
	}

	return Result{
		Success: res.CanProceed,
		Message: res.Feedback,
		Data: ValidationData{
			Validation:     res,
			Completed:      next.IsCompleted(step),
			GlobalProgress: next.GlobalProgress().Int(),
			Awarded:        awarded,
		},
		NextAction: action,
	}, nil
}

// Advance moves the learner from the current, completed step to the next one.
func (o *Orchestrator) Advance(ctx context.Context) (Result, error) {
	const op = "Advance"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if err := o.guard(op); err != nil {
		return o.reject(ctx, op, 0, err), nil
	}

	s := o.current()
	from := s.CurrentStep()
	to, more := from.Next()
	if !more {
		r := o.reject(ctx, op, from.Int(), shared.NewDomainError("orchestrator", op, shared.ErrIllegalTransition,
			"already on the last step"))
		r.NextAction = ActionReview
		return r, nil
	}

	score, completed := s.CompletionScore(from)
	if !completed {
		score, _ = s.Score(from)
	}
	out, err := o.deps.Transitions.Transition(s, from, to, score, 0)
	if err != nil {
		if shared.IsConfiguration(err) {
			return o.fatal(ctx, op, to.Int(), err)
		}
		return o.reject(ctx, op, to.Int(), err), nil
	}

	ms := o.deps.Progress.EvaluateMilestones(out.State)
	out.State = ms.State
	events := append(out.Events, ms.Events...)
	if err := o.commit(ctx, out.State, events); err != nil {
		return o.commitFailed(ctx, op, to.Int(), err)
	}

	return ok(fmt.Sprintf("Moved to step %d", to), out, ActionStartStep), nil
}

// End closes the session, publishes session_ended and writes the final
// snapshot. Later commands are rejected.
func (o *Orchestrator) End(ctx context.Context, reason string) (Result, error) {
	const op = "End"
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if err := o.guard(op); err != nil {
		return o.reject(ctx, op, 0, err), nil
	}

	s := o.current()
	o.publish(ctx, s, shared.SessionEndedPayload{
		CompletedSteps: s.Completed().Ints(),
		GlobalProgress: s.GlobalProgress().Int(),
		TimeSpentTotal: s.TimeSpentTotal().Int(),
		Reason:         reason,
	})

	o.mu.Lock()
	o.ended = true
	o.mu.Unlock()

	var saveErr error
	switch {
	case o.saver != nil:
		saveErr = o.saver.Stop(ctx)
	case o.deps.Repository != nil:
		saveErr = o.deps.Repository.Save(ctx, s.Snapshot())
	}
	if saveErr != nil {
		o.logger.Error("final save failed", "session_id", s.SessionID(), "error", saveErr)
	}

	o.logger.Info("session ended", "session_id", s.SessionID(), "reason", reason)
	return ok("Session ended", SessionData{Snapshot: s.Snapshot()}, ""), nil
}

// Close stops background work without ending the session.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.saver == nil {
		return nil
	}
	return o.saver.Stop(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// State returns the learner snapshot and navigation state.
func (o *Orchestrator) State() StateView {
	o.mu.RLock()
	s, ended := o.state, o.ended
	o.mu.RUnlock()

	view := StateView{
		Snapshot:   s.Snapshot(),
		Navigation: o.deps.Gate.Describe(s, o.deps.Catalog),
		Ended:      ended,
	}
	if o.saver != nil {
		stats := o.saver.Stats()
		view.AutoSave = &stats
	}
	return view
}

// Learner returns the current learner state value.
func (o *Orchestrator) Learner() training.LearnerState {
	return o.current()
}

// ComplianceReport evaluates the compliance policy for the learner.
func (o *Orchestrator) ComplianceReport() progress.ComplianceReport {
	return o.deps.Progress.ComplianceReport(o.current())
}

// ProgressReport builds the full progress report.
func (o *Orchestrator) ProgressReport() progress.Report {
	return o.deps.Progress.ProgressReport(o.current(), o.deps.Catalog)
}

// Navigation describes where the learner stands.
func (o *Orchestrator) Navigation() navigation.State {
	return o.deps.Gate.Describe(o.current(), o.deps.Catalog)
}

// Ended reports whether End was called.
func (o *Orchestrator) Ended() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ended
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

func (o *Orchestrator) current() training.LearnerState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) snapshot() training.Snapshot {
	return o.current().Snapshot()
}

func (o *Orchestrator) guard(op string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	switch {
	case !o.started:
		return shared.NewDomainError("orchestrator", op, shared.ErrInvalidState, "session not started")
	case o.ended:
		return shared.ErrSessionEnded
	}
	return nil
}

func (o *Orchestrator) live() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.started && !o.ended
}

// commit replaces the state as a whole and publishes the command's events.
// A state that breaks an invariant is refused: nothing is stored or
// published and the command fails with the returned error.
func (o *Orchestrator) commit(ctx context.Context, next training.LearnerState, events []shared.Payload) error {
	if err := training.CheckInvariants(next, o.deps.Catalog); err != nil {
		o.logger.Error("invariant violated", "session_id", next.SessionID(), "error", err)
		return err
	}

	o.mu.Lock()
	o.state = next
	o.mu.Unlock()

	o.publish(ctx, next, events...)

	if o.saver != nil && o.cfg.SaveOnChange {
		o.saver.Notify()
	}
	return nil
}

// publish sends payloads in order. Events of one call share a trace id and
// are correlated with the first of them.
func (o *Orchestrator) publish(ctx context.Context, s training.LearnerState, payloads ...shared.Payload) {
	if len(payloads) == 0 {
		return
	}
	meta := shared.Metadata{
		SessionID: s.SessionID().String(),
		LearnerID: s.LearnerID().String(),
		TraceID:   uuid.NewString(),
	}

	var first string
	for _, p := range payloads {
		event := shared.NewEvent(p, meta)
		if first == "" {
			first = event.ID
		} else {
			event = event.WithCorrelationID(first)
		}
		if err := o.deps.Bus.Publish(ctx, event); err != nil {
			o.logger.Warn("event not published",
				"session_id", meta.SessionID,
				"event_type", event.Type,
				"error", err,
			)
		}
	}
}

// reject turns a recoverable error into a failed Result and reports it on
// the bus. prior payloads are published ahead of error_occurred, in the
// same trace.
func (o *Orchestrator) reject(ctx context.Context, op string, step int, err error, prior ...shared.Payload) Result {
	kind := ErrorKind(err)
	o.logger.Info("command rejected", "op", op, "kind", kind, "error", err)

	if o.live() {
		payloads := append(prior, shared.ErrorOccurredPayload{
			Operation: op,
			Kind:      kind,
			Message:   message(err),
			Step:      step,
		})
		o.publish(ctx, o.current(), payloads...)
	}

	r := Result{Success: false, Message: message(err), ErrorKind: kind}
	switch {
	case errors.Is(err, shared.ErrIllegalTransition):
		r.NextAction = ActionRenavigate
	case errors.Is(err, shared.ErrValidationExhausted):
		r.NextAction = ActionContactSupport
	}
	return r
}

// fatal reports a configuration error. It is the only error that leaves the
// command surface.
func (o *Orchestrator) fatal(ctx context.Context, op string, step int, err error) (Result, error) {
	o.logger.Error("configuration error", "op", op, "step", step, "error", err)
	if o.live() {
		o.publish(ctx, o.current(), shared.ErrorOccurredPayload{
			Operation: op,
			Kind:      ErrorKind(err),
			Message:   message(err),
			Step:      step,
		})
	}
	return Result{Success: false, Message: message(err), ErrorKind: ErrorKind(err)}, err
}

// commitFailed reports a refused commit. Configuration errors stay fatal;
// anything else is a rejected command.
func (o *Orchestrator) commitFailed(ctx context.Context, op string, step int, err error) (Result, error) {
	if shared.IsConfiguration(err) {
		return o.fatal(ctx, op, step, err)
	}
	return o.reject(ctx, op, step, err), nil
}

func message(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

func progressOf(s training.LearnerState) shared.ProgressUpdatedPayload {
	return shared.ProgressUpdatedPayload{
		Step:                 s.CurrentStep().Int(),
		StepProgress:         s.StepProgress().Int(),
		GlobalProgress:       s.GlobalProgress().Int(),
		TimeSpentTotal:       s.TimeSpentTotal().Int(),
		TimeSpentCurrentStep: s.TimeSpentCurrentStep().Int(),
	}
}
