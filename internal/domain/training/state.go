package training

import (
	"math"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER STATE
// ══════════════════════════════════════════════════════════════════════════════

// LearnerState is the learner aggregate. It is a value: every With* method
// returns a modified copy and leaves the receiver untouched, so replacing the
// reference is the only way to change a learner.
type LearnerState struct {
	learnerID    shared.LearnerID
	sessionID    shared.SessionID
	current      Step
	completed    StepSet
	unlocked     StepSet
	stepProgress shared.Percent
	timeTotal    shared.Minutes
	timeCurrent  shared.Minutes
	scores       map[Step]shared.Percent
	certificates []Certificate
	attempts     map[CheckpointID]int
	startedAt    time.Time
	lastActivity time.Time
	revision     int64
}

// NewLearnerState returns the state of a learner who has not started yet.
func NewLearnerState(learner shared.LearnerID, session shared.SessionID, now time.Time) LearnerState {
	return LearnerState{
		learnerID:    learner,
		sessionID:    session,
		current:      FirstStep,
		unlocked:     NewStepSet(FirstStep),
		scores:       map[Step]shared.Percent{},
		attempts:     map[CheckpointID]int{},
		startedAt:    now.UTC(),
		lastActivity: now.UTC(),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Accessors
// ─────────────────────────────────────────────────────────────────────────────

func (s LearnerState) LearnerID() shared.LearnerID          { return s.learnerID }
func (s LearnerState) SessionID() shared.SessionID          { return s.sessionID }
func (s LearnerState) CurrentStep() Step                    { return s.current }
func (s LearnerState) Completed() StepSet                   { return s.completed }
func (s LearnerState) Unlocked() StepSet                    { return s.unlocked }
func (s LearnerState) StepProgress() shared.Percent         { return s.stepProgress }
func (s LearnerState) TimeSpentTotal() shared.Minutes       { return s.timeTotal }
func (s LearnerState) TimeSpentCurrentStep() shared.Minutes { return s.timeCurrent }
func (s LearnerState) StartedAt() time.Time                 { return s.startedAt }
func (s LearnerState) LastActivityAt() time.Time            { return s.lastActivity }
func (s LearnerState) Revision() int64                      { return s.revision }
func (s LearnerState) Attempts(cp CheckpointID) int         { return s.attempts[cp] }
func (s LearnerState) IsCompleted(step Step) bool           { return s.completed.Has(step) }
func (s LearnerState) IsUnlocked(step Step) bool            { return s.unlocked.Has(step) }

// Score returns the last validation percentage of a step.
func (s LearnerState) Score(step Step) (shared.Percent, bool) {
	p, ok := s.scores[step]
	return p, ok
}

// Scores returns a copy of the last validation percentage per step.
func (s LearnerState) Scores() map[Step]shared.Percent {
	out := make(map[Step]shared.Percent, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// CompletionScore returns the percentage that completed a step. Later
// re-validations replace Score but never this value.
func (s LearnerState) CompletionScore(step Step) (shared.Percent, bool) {
	for _, c := range s.certificates {
		if c.ID == StepCertificateID(step) {
			return shared.ClampPercent(float64(c.Score)), true
		}
	}
	return 0, false
}

// Certificates returns a copy of the awarded certificates in award order.
func (s LearnerState) Certificates() []Certificate {
	out := make([]Certificate, len(s.certificates))
	copy(out, s.certificates)
	return out
}

// HasCertificate checks by certificate id.
func (s LearnerState) HasCertificate(id string) bool {
	for _, c := range s.certificates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// GlobalProgress derives overall completion from completed steps and the
// progress of the current step. A completed current step already counts in
// full, so its step progress is not added again.
func (s LearnerState) GlobalProgress() shared.Percent {
	units := float64(s.completed.Len())
	if !s.completed.Has(s.current) {
		units += s.stepProgress.Ratio()
	}
	return shared.ClampPercent(units / StepCount * 100)
}

// AverageScore returns the mean of the recorded step scores, 0 when none.
func (s LearnerState) AverageScore() float64 {
	if len(s.scores) == 0 {
		return 0
	}
	total := 0
	for _, p := range s.scores {
		total += p.Int()
	}
	return math.Round(float64(total)/float64(len(s.scores))*100) / 100
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutations
// ─────────────────────────────────────────────────────────────────────────────

func (s LearnerState) clone() LearnerState {
	next := s
	next.scores = s.Scores()
	next.certificates = s.Certificates()
	next.attempts = make(map[CheckpointID]int, len(s.attempts))
	for k, v := range s.attempts {
		next.attempts[k] = v
	}
	next.revision++
	return next
}

// WithCurrentStep moves the learner. Changing step resets step progress and
// the per-step time counter.
func (s LearnerState) WithCurrentStep(step Step) LearnerState {
	next := s.clone()
	if step != s.current {
		next.current = step
		next.stepProgress = 0
		next.timeCurrent = 0
	}
	return next
}

// WithStepProgress sets the progress of the current step.
func (s LearnerState) WithStepProgress(p shared.Percent) LearnerState {
	next := s.clone()
	next.stepProgress = shared.ClampPercent(float64(p))
	return next
}

// WithTimeSpent adds minutes to both time counters.
func (s LearnerState) WithTimeSpent(delta shared.Minutes) LearnerState {
	next := s.clone()
	next.timeTotal = s.timeTotal.Add(delta)
	next.timeCurrent = s.timeCurrent.Add(delta)
	return next
}

// WithCompleted marks a step completed. Completed steps are always unlocked.
func (s LearnerState) WithCompleted(step Step) LearnerState {
	next := s.clone()
	next.completed = s.completed.Add(step)
	next.unlocked = s.unlocked.Add(step)
	return next
}

// WithUnlocked unlocks a step.
func (s LearnerState) WithUnlocked(step Step) LearnerState {
	next := s.clone()
	next.unlocked = s.unlocked.Add(step)
	return next
}

// WithScore records the latest validation percentage of a step.
func (s LearnerState) WithScore(step Step, p shared.Percent) LearnerState {
	next := s.clone()
	next.scores[step] = p
	return next
}

// WithCertificate appends a certificate unless one with the same id exists.
func (s LearnerState) WithCertificate(c Certificate) LearnerState {
	if s.HasCertificate(c.ID) {
		return s
	}
	next := s.clone()
	next.certificates = append(next.certificates, c)
	return next
}

// WithAttempt increments the attempt counter of a checkpoint.
func (s LearnerState) WithAttempt(cp CheckpointID) LearnerState {
	next := s.clone()
	next.attempts[cp]++
	return next
}

// WithActivity records the time of the last learner action.
func (s LearnerState) WithActivity(at time.Time) LearnerState {
	next := s.clone()
	next.lastActivity = at.UTC()
	return next
}

// SameProgress compares everything except revision and activity time.
func (s LearnerState) SameProgress(o LearnerState) bool {
	if s.learnerID != o.learnerID || s.sessionID != o.sessionID || s.current != o.current ||
		s.completed != o.completed || s.unlocked != o.unlocked || s.stepProgress != o.stepProgress ||
		s.timeTotal != o.timeTotal || s.timeCurrent != o.timeCurrent ||
		len(s.scores) != len(o.scores) || len(s.certificates) != len(o.certificates) ||
		len(s.attempts) != len(o.attempts) {
		return false
	}
	for k, v := range s.scores {
		if o.scores[k] != v {
			return false
		}
	}
	for i := range s.certificates {
		if s.certificates[i] != o.certificates[i] {
			return false
		}
	}
	for k, v := range s.attempts {
		if o.attempts[k] != v {
			return false
		}
	}
	return true
}
