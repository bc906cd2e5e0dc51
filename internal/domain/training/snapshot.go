package training

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// Snapshot is the serialisable form of a LearnerState. GlobalProgress is
// written for readers of the stored document and ignored on restore.
type Snapshot struct {
	LearnerID            string         `json:"learner_id"`
	SessionID            string         `json:"session_id"`
	CurrentStep          int            `json:"current_step"`
	CompletedSteps       []int          `json:"completed_steps"`
	UnlockedSteps        []int          `json:"unlocked_steps"`
	StepProgress         int            `json:"step_progress"`
	GlobalProgress       int            `json:"global_progress"`
	TimeSpentTotal       int            `json:"time_spent_total"`
	TimeSpentCurrentStep int            `json:"time_spent_current_step"`
	ScoresPerStep        map[string]int `json:"scores_per_step"`
	Certificates         []Certificate  `json:"certificates"`
	Attempts             map[string]int `json:"attempts"`
	StartedAt            time.Time      `json:"started_at"`
	LastActivityAt       time.Time      `json:"last_activity_at"`
	Revision             int64          `json:"revision"`
}

// Snapshot captures the state.
func (s LearnerState) Snapshot() Snapshot {
	scores := make(map[string]int, len(s.scores))
	for step, p := range s.scores {
		scores[strconv.Itoa(int(step))] = p.Int()
	}
	attempts := make(map[string]int, len(s.attempts))
	for cp, n := range s.attempts {
		attempts[string(cp)] = n
	}
	return Snapshot{
		LearnerID:            s.learnerID.String(),
		SessionID:            s.sessionID.String(),
		CurrentStep:          int(s.current),
		CompletedSteps:       s.completed.Ints(),
		UnlockedSteps:        s.unlocked.Ints(),
		StepProgress:         s.stepProgress.Int(),
		GlobalProgress:       s.GlobalProgress().Int(),
		TimeSpentTotal:       s.timeTotal.Int(),
		TimeSpentCurrentStep: s.timeCurrent.Int(),
		ScoresPerStep:        scores,
		Certificates:         s.Certificates(),
		Attempts:             attempts,
		StartedAt:            s.startedAt,
		LastActivityAt:       s.lastActivity,
		Revision:             s.revision,
	}
}

// Restore rebuilds a LearnerState from a snapshot. A snapshot that violates
// the structural invariants is rejected.
func Restore(snap Snapshot) (LearnerState, error) {
	const op = "Restore"
	current, err := ParseStep(snap.CurrentStep)
	if err != nil {
		return LearnerState{}, shared.WrapError("training", op, shared.ErrInvalidState, "current step", err)
	}
	completed, err := StepSetFromInts(snap.CompletedSteps)
	if err != nil {
		return LearnerState{}, shared.WrapError("training", op, shared.ErrInvalidState, "completed steps", err)
	}
	unlocked, err := StepSetFromInts(snap.UnlockedSteps)
	if err != nil {
		return LearnerState{}, shared.WrapError("training", op, shared.ErrInvalidState, "unlocked steps", err)
	}
	if snap.TimeSpentTotal < 0 || snap.TimeSpentCurrentStep < 0 {
		return LearnerState{}, shared.NewDomainError("training", op, shared.ErrInvalidState, "negative time counters")
	}

	scores := make(map[Step]shared.Percent, len(snap.ScoresPerStep))
	for k, v := range snap.ScoresPerStep {
		n, err := strconv.Atoi(k)
		if err != nil {
			return LearnerState{}, shared.WrapError("training", op, shared.ErrInvalidState, "score key "+k, err)
		}
		step, err := ParseStep(n)
		if err != nil {
			return LearnerState{}, shared.WrapError("training", op, shared.ErrInvalidState, "score key "+k, err)
		}
		scores[step] = shared.ClampPercent(float64(v))
	}
	attempts := make(map[CheckpointID]int, len(snap.Attempts))
	for k, v := range snap.Attempts {
		attempts[CheckpointID(k)] = v
	}
	certs := make([]Certificate, 0, len(snap.Certificates))
	seen := make(map[string]bool, len(snap.Certificates))
	for _, c := range snap.Certificates {
		if seen[c.ID] {
			return LearnerState{}, shared.NewDomainError("training", op, shared.ErrInvalidState,
				fmt.Sprintf("duplicate certificate %q", c.ID))
		}
		seen[c.ID] = true
		certs = append(certs, c)
	}

	state := LearnerState{
		learnerID:    shared.LearnerID(snap.LearnerID),
		sessionID:    shared.SessionID(snap.SessionID),
		current:      current,
		completed:    completed,
		unlocked:     unlocked,
		stepProgress: shared.ClampPercent(float64(snap.StepProgress)),
		timeTotal:    shared.Minutes(snap.TimeSpentTotal),
		timeCurrent:  shared.Minutes(snap.TimeSpentCurrentStep),
		scores:       scores,
		certificates: certs,
		attempts:     attempts,
		startedAt:    snap.StartedAt,
		lastActivity: snap.LastActivityAt,
		revision:     snap.Revision,
	}
	if err := checkStructure(state); err != nil {
		return LearnerState{}, err
	}
	return state, nil
}

// SnapshotRepository persists learner snapshots between sessions.
type SnapshotRepository interface {
	// Save stores the snapshot. A snapshot with a revision lower than the
	// stored one is ignored.
	Save(ctx context.Context, snap Snapshot) error

	// Load returns the snapshot of a session.
	// Returns an error matching shared.ErrNotFound when there is none.
	Load(ctx context.Context, sessionID shared.SessionID) (Snapshot, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// INVARIANTS
// ══════════════════════════════════════════════════════════════════════════════

func checkStructure(s LearnerState) error {
	var problems []string
	if !s.unlocked.Has(s.current) {
		problems = append(problems, fmt.Sprintf("current step %d is not unlocked", s.current))
	}
	if !s.completed.SubsetOf(s.unlocked) {
		problems = append(problems, "completed steps are not a subset of unlocked steps")
	}
	if !s.unlocked.Has(FirstStep) {
		problems = append(problems, "first step is not unlocked")
	}
	if len(problems) > 0 {
		return shared.NewDomainError("training", "CheckInvariants", shared.ErrInvalidState, strings.Join(problems, "; "))
	}
	return nil
}

// CheckInvariants verifies the state against the learner invariants.
// Attempt limits and step minimums come from the catalog.
func CheckInvariants(s LearnerState, catalog Catalog) error {
	if err := checkStructure(s); err != nil {
		return err
	}
	var problems []string

	g := s.GlobalProgress().Int()
	if g < 0 || g > 100 {
		problems = append(problems, fmt.Sprintf("global progress %d out of range", g))
	}
	for _, step := range s.completed.Steps() {
		// A completed step always carries its step certificate; both are
		// written together once the checkpoint allowed the learner through.
		if !s.HasCertificate(StepCertificateID(step)) {
			problems = append(problems, fmt.Sprintf("step %d completed without a passing checkpoint", step))
		}
	}
	for _, step := range AllSteps() {
		n := s.attempts[step.CheckpointID()]
		if n == 0 {
			continue
		}
		def, err := catalog.Definition(step)
		if err != nil {
			return err
		}
		if n > def.AttemptLimit() {
			problems = append(problems, fmt.Sprintf("%s has %d attempts, limit %d", step.CheckpointID(), n, def.AttemptLimit()))
		}
	}
	if len(problems) > 0 {
		return shared.NewDomainError("training", "CheckInvariants", shared.ErrInvalidState, strings.Join(problems, "; "))
	}
	return nil
}
