package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/transition"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/messaging"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fiveStepCatalog has a minimum score of 70 on every step and two criteria:
// a compliance-required quiz and an exercise completion rate.
func fiveStepCatalog(t *testing.T) training.Catalog {
	t.Helper()
	var defs []training.StepDefinition
	for _, s := range training.AllSteps() {
		d := training.StepDefinition{
			Step:             s,
			Name:             s.String(),
			EstimatedMinutes: 10,
			MinimumScore:     70,
			MaxAttempts:      3,
			Criteria: []training.ValidationCriterion{
				{ID: "quiz", Name: "Quiz", Kind: training.CriterionScore, Threshold: 60, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "exercises", Name: "Exercises", Kind: training.CriterionCompletion, Threshold: 50, Mandatory: true, MaxPoints: 100},
			},
		}
		if prev, ok := s.Prev(); ok {
			d.Prerequisites = []training.Step{prev}
		}
		defs = append(defs, d)
	}
	c, err := training.NewStaticCatalog(defs...)
	require.NoError(t, err)
	return c
}

func evidence(pct float64) training.Evidence {
	return training.Evidence{Values: map[string]float64{"quiz": pct, "exercises": pct}}
}

type eventLog struct {
	mu     sync.Mutex
	events []shared.Event
}

func (l *eventLog) handle(_ context.Context, e shared.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []shared.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]shared.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type fixture struct {
	orch    *Orchestrator
	catalog training.Catalog
	repo    training.SnapshotRepository
	log     *eventLog
}

func newFixture(t *testing.T, repo training.SnapshotRepository, cfg Config) *fixture {
	t.Helper()
	bus := messaging.NewBus(messaging.Config{Logger: quietLogger()})
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	log := &eventLog{}
	_, err := bus.Subscribe([]shared.EventType{shared.EventAny}, log.handle, 0)
	require.NoError(t, err)

	catalog := fiveStepCatalog(t)
	cfg.Now = func() time.Time { return fixedNow }
	cfg.Logger = quietLogger()
	deps := NewDependencies(catalog, bus, repo, DefaultPolicies(), cfg.Now)

	orch, err := New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close(context.Background()) })

	return &fixture{orch: orch, catalog: catalog, repo: repo, log: log}
}

func started(t *testing.T, repo training.SnapshotRepository, cfg Config) *fixture {
	t.Helper()
	f := newFixture(t, repo, cfg)
	res, err := f.orch.Start(context.Background(), "learner-1", "session-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	return f
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Dependencies{}, DefaultConfig())
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
}

func TestEndToEnd_ValidateAndRevalidate(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.ValidateStep(ctx, 1, evidence(72), 10)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, ActionProceedNextStep, res.NextAction)

	data := res.Data.(ValidationData)
	assert.True(t, data.Validation.CanProceed)
	assert.Equal(t, 72, data.Validation.Percentage.Int())

	snap := f.orch.State().Snapshot
	assert.Equal(t, []int{1}, snap.CompletedSteps)
	assert.Subset(t, snap.UnlockedSteps, []int{1, 2})
	assert.Equal(t, 20, snap.GlobalProgress)
	assert.Equal(t, 72, snap.ScoresPerStep["1"])

	res, err = f.orch.ValidateStep(ctx, 1, evidence(40), 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ActionRetryValidation, res.NextAction)

	snap = f.orch.State().Snapshot
	assert.Equal(t, []int{1}, snap.CompletedSteps, "re-validation never removes completion")
	assert.Equal(t, 40, snap.ScoresPerStep["1"], "latest percentage replaces the previous one")
	assert.Equal(t, 20, snap.GlobalProgress)
	assert.Equal(t, 2, snap.Attempts["checkpoint_1"])
}

func TestValidateStep_EventOrder(t *testing.T) {
	f := started(t, nil, Config{})
	f.log.reset()

	_, err := f.orch.ValidateStep(context.Background(), 1, evidence(80), 5)
	require.NoError(t, err)

	assert.Equal(t, []shared.EventType{
		shared.EventStepCompleted,
		shared.EventProgressUpdated,
		shared.EventMilestoneReached,
		shared.EventValidationCompleted,
	}, f.log.types())

	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	first := f.log.events[0]
	for _, e := range f.log.events[1:] {
		assert.Equal(t, first.Metadata.TraceID, e.Metadata.TraceID)
		assert.Equal(t, first.ID, e.Metadata.CorrelationID)
	}
	assert.Equal(t, "session-1", first.Metadata.SessionID)
}

func TestValidateStep_ExhaustionMutatesNothing(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.orch.ValidateStep(ctx, 1, evidence(30), 1)
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	before := f.orch.Learner()
	f.log.reset()

	res, err := f.orch.ValidateStep(ctx, 1, evidence(100), 5)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "validation_exhausted", res.ErrorKind)
	assert.Equal(t, ActionContactSupport, res.NextAction)
	assert.True(t, res.Data.(ValidationData).Validation.Exhausted)
	assert.False(t, res.Data.(ValidationData).Validation.RetryAllowed)

	after := f.orch.Learner()
	assert.True(t, before.SameProgress(after))
	assert.Equal(t, 3, after.Attempts("checkpoint_1"))
	score, _ := after.Score(training.StepOnboarding)
	assert.Equal(t, 30, score.Int())
	assert.Equal(t, []shared.EventType{shared.EventValidationCompleted, shared.EventErrorOccurred}, f.log.types())

	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	p, ok := f.log.events[0].Payload.(shared.ValidationCompletedPayload)
	require.True(t, ok)
	assert.True(t, p.Exhausted)
	assert.False(t, p.CanProceed)
	assert.Equal(t, 3, p.Attempt)
	assert.Equal(t, 0, p.AttemptsRemaining)
	assert.Equal(t, f.log.events[0].ID, f.log.events[1].Metadata.CorrelationID)
}

func TestValidateStep_ReportsMandatoryOutcome(t *testing.T) {
	f := started(t, nil, Config{})
	f.log.reset()

	res, err := f.orch.ValidateStep(context.Background(), 1, training.Evidence{
		Values: map[string]float64{"quiz": 100, "exercises": 40},
	}, 0)
	require.NoError(t, err)
	assert.False(t, res.Success, "a failed mandatory criterion blocks completion")
	assert.False(t, f.orch.Learner().IsCompleted(training.StepOnboarding))

	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	var found bool
	for _, e := range f.log.events {
		if p, ok := e.Payload.(shared.ValidationCompletedPayload); ok {
			found = true
			assert.True(t, p.ComplianceOK)
			assert.False(t, p.MandatoryOK)
			assert.False(t, p.CanProceed)
			assert.False(t, p.Exhausted)
		}
	}
	assert.True(t, found)
}

func TestValidateStep_TimeIsRecordedBeforeEvaluation(t *testing.T) {
	f := started(t, nil, Config{})
	_, err := f.orch.UpdateProgress(context.Background(), 1, 50, 7)
	require.NoError(t, err)

	_, err = f.orch.ValidateStep(context.Background(), 1, evidence(90), 3)
	require.NoError(t, err)

	snap := f.orch.State().Snapshot
	assert.Equal(t, 10, snap.TimeSpentTotal)
	assert.Equal(t, 10, snap.TimeSpentCurrentStep)
}

func TestValidateStep_Rejections(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.ValidateStep(ctx, 2, evidence(90), 0)
	require.NoError(t, err)
	assert.Equal(t, "illegal_transition", res.ErrorKind)

	res, err = f.orch.ValidateStep(ctx, 1, evidence(90), -4)
	require.NoError(t, err)
	assert.Equal(t, "invalid_input", res.ErrorKind)

	res, err = f.orch.ValidateStep(ctx, 9, evidence(90), 0)
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	assert.Equal(t, "configuration", res.ErrorKind)
	assert.False(t, res.Success)
}

func TestValidateStep_MissingDefinitionIsFatal(t *testing.T) {
	bus := messaging.NewBus(messaging.Config{Logger: quietLogger()})
	require.NoError(t, bus.Start())
	defer bus.Stop(context.Background())

	partial, err := training.NewStaticCatalog(training.StepDefinition{
		Step:         training.StepDiscovery,
		MinimumScore: 70,
		Criteria:     []training.ValidationCriterion{{ID: "quiz", Kind: training.CriterionScore}},
	})
	require.NoError(t, err)

	orch, err := New(NewDependencies(partial, bus, nil, DefaultPolicies(), nil), Config{Logger: quietLogger()})
	require.NoError(t, err)
	_, err = orch.Start(context.Background(), "learner-1", "session-1")
	require.NoError(t, err)

	_, err = orch.ValidateStep(context.Background(), 1, evidence(90), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStepDefinitionAbsent)
}

func TestAdvance(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success, "step 1 is not validated yet")
	assert.Equal(t, ActionRenavigate, res.NextAction)

	_, err = f.orch.ValidateStep(ctx, 1, evidence(95), 0)
	require.NoError(t, err)
	f.log.reset()

	res, err = f.orch.Advance(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, ActionStartStep, res.NextAction)

	state := f.orch.Learner()
	assert.Equal(t, training.StepDiscovery, state.CurrentStep())
	assert.Equal(t, 0, state.StepProgress().Int())
	assert.True(t, state.HasCertificate("high_score_1"))
	assert.Contains(t, f.log.types(), shared.EventStepChanged)
}

func TestAdvance_UsesCompletionScore(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	_, err := f.orch.ValidateStep(ctx, 1, evidence(95), 0)
	require.NoError(t, err)
	res, err := f.orch.ValidateStep(ctx, 1, evidence(40), 0)
	require.NoError(t, err)
	require.False(t, res.Success)

	last, _ := f.orch.Learner().Score(training.StepOnboarding)
	assert.Equal(t, 40, last.Int())
	done, ok := f.orch.Learner().CompletionScore(training.StepOnboarding)
	require.True(t, ok)
	assert.Equal(t, 95, done.Int())

	res, err = f.orch.Advance(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	out, ok := res.Data.(transition.Outcome)
	require.True(t, ok)
	assert.Equal(t, transition.BandExcellent, out.Feedback.Band)
	assert.True(t, f.orch.Learner().HasCertificate("high_score_1"))
}

func TestCommit_RefusesInvariantViolation(t *testing.T) {
	f := started(t, nil, Config{})
	f.log.reset()
	before := f.orch.Learner()

	broken := before.WithCompleted(training.StepOnboarding)
	err := f.orch.commit(context.Background(), broken, []shared.Payload{
		shared.StepCompletedPayload{Step: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	assert.False(t, f.orch.Learner().IsCompleted(training.StepOnboarding))
	assert.Equal(t, before.Revision(), f.orch.Learner().Revision())
	assert.Empty(t, f.log.types())
}

func TestStartStep_Navigation(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.StartStep(ctx, 3)
	require.NoError(t, err)
	assert.False(t, res.Success, "jumping ahead is rejected")
	assert.Equal(t, "illegal_transition", res.ErrorKind)

	_, err = f.orch.ValidateStep(ctx, 1, evidence(80), 0)
	require.NoError(t, err)

	res, err = f.orch.StartStep(ctx, 2)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, training.StepDiscovery, f.orch.Learner().CurrentStep())

	_, err = f.orch.UpdateProgress(ctx, 2, 40, 5)
	require.NoError(t, err)

	res, err = f.orch.StartStep(ctx, 1)
	require.NoError(t, err)
	require.True(t, res.Success, "completed steps can be reviewed")
	nav := res.Data.(StepData).Navigation
	assert.Equal(t, training.StepOnboarding, nav.CurrentStep)
	assert.True(t, nav.CanGoForward)
	assert.Equal(t, []int{1}, f.orch.State().Snapshot.CompletedSteps)
}

func TestUpdateProgress(t *testing.T) {
	f := started(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.UpdateProgress(ctx, 1, 150, 4)
	require.NoError(t, err)
	require.True(t, res.Success)
	data := res.Data.(ProgressData)
	assert.Equal(t, 100, data.Progress.StepProgress)
	assert.Equal(t, 20, data.Progress.GlobalProgress)

	res, err = f.orch.UpdateProgress(ctx, 1, 30, 1)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Data.(ProgressData).Progress.StepProgress, "progress never decreases within a visit")
	assert.Equal(t, 5, f.orch.Learner().TimeSpentTotal().Int())

	res, err = f.orch.UpdateProgress(ctx, 2, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "illegal_transition", res.ErrorKind)
}

func TestCommandsBeforeStartAndAfterEnd(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	res, err := f.orch.UpdateProgress(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", res.ErrorKind)

	_, err = f.orch.Start(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	res, err = f.orch.Start(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, "already_exists", res.ErrorKind)

	res, err = f.orch.End(ctx, "user_request")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, f.orch.Ended())
	assert.Contains(t, f.log.types(), shared.EventSessionEnded)

	res, err = f.orch.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_state", res.ErrorKind)
}

func TestResumeFromRepository(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	ctx := context.Background()

	first := started(t, repo, Config{AutoSave: true, AutoSaveInterval: time.Hour})
	_, err := first.orch.ValidateStep(ctx, 1, evidence(85), 12)
	require.NoError(t, err)
	_, err = first.orch.End(ctx, "logout")
	require.NoError(t, err)

	second := newFixture(t, repo, Config{AutoSave: true, AutoSaveInterval: time.Hour})
	res, err := second.orch.Start(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Data.(SessionData).Resumed)

	snap := second.orch.State().Snapshot
	assert.Equal(t, []int{1}, snap.CompletedSteps)
	assert.Equal(t, 12, snap.TimeSpentTotal)

	other := newFixture(t, repo, Config{})
	res, err = other.orch.Start(ctx, "someone-else", "session-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_state", res.ErrorKind)
}

func TestSaveOnChange(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	f := started(t, repo, Config{AutoSave: true, AutoSaveInterval: time.Hour, SaveOnChange: true})

	_, err := f.orch.UpdateProgress(context.Background(), 1, 60, 3)
	require.NoError(t, err)
	want := f.orch.Learner().Revision()

	assert.Eventually(t, func() bool {
		snap, err := repo.Load(context.Background(), "session-1")
		return err == nil && snap.Revision == want
	}, time.Second, 5*time.Millisecond)
}

type failingRepo struct{}

func (failingRepo) Save(context.Context, training.Snapshot) error {
	return shared.WrapError("test", "Save", shared.ErrPersistence, "disk full", errors.New("enospc"))
}

func (failingRepo) Load(context.Context, shared.SessionID) (training.Snapshot, error) {
	return training.Snapshot{}, shared.ErrSnapshotNotFound
}

func TestAutoSaveFailureDoesNotBlockCommands(t *testing.T) {
	f := started(t, failingRepo{}, Config{AutoSave: true, AutoSaveInterval: time.Hour, SaveOnChange: true})
	ctx := context.Background()

	res, err := f.orch.ValidateStep(ctx, 1, evidence(90), 2)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Eventually(t, func() bool {
		stats := f.orch.State().AutoSave
		return stats != nil && stats.Failures > 0
	}, time.Second, 5*time.Millisecond)

	res, err = f.orch.End(ctx, "done")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestComplianceAndProgressReports(t *testing.T) {
	f := started(t, nil, Config{})
	_, err := f.orch.ValidateStep(context.Background(), 1, evidence(80), 20)
	require.NoError(t, err)

	compliance := f.orch.ComplianceReport()
	assert.False(t, compliance.Compliant)
	assert.Len(t, compliance.Criteria, 3)

	report := f.orch.ProgressReport()
	assert.Equal(t, 20, report.GlobalProgress)
	assert.Contains(t, report.MilestonesReached, "onboarding_complete")
}

// TestRandomCommandSequences drives random valid commands and checks the
// state invariants after every call. Navigation only moves forward, so
// completed steps and global progress must never decrease.
func TestRandomCommandSequences(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		f := started(t, nil, Config{})
		ctx := context.Background()

		prevCompleted, prevGlobal := 0, 0
		for i := 0; i < 60; i++ {
			current := f.orch.Learner().CurrentStep().Int()
			var err error
			switch rng.Intn(4) {
			case 0:
				_, err = f.orch.UpdateProgress(ctx, current, rng.Float64()*120-10, rng.Intn(15))
			case 1:
				_, err = f.orch.ValidateStep(ctx, current, evidence(float64(rng.Intn(101))), rng.Intn(10))
			case 2:
				_, err = f.orch.Advance(ctx)
			case 3:
				target := current + rng.Intn(2)
				if target > training.StepCount {
					target = current
				}
				_, err = f.orch.StartStep(ctx, target)
			}
			require.NoError(t, err, "seed %d call %d", seed, i)

			state := f.orch.Learner()
			require.NoError(t, training.CheckInvariants(state, f.catalog), "seed %d call %d", seed, i)

			completed, global := state.Completed().Len(), state.GlobalProgress().Int()
			require.GreaterOrEqual(t, completed, prevCompleted, "seed %d call %d", seed, i)
			require.GreaterOrEqual(t, global, prevGlobal, "seed %d call %d", seed, i)
			prevCompleted, prevGlobal = completed, global
		}
	}
}
