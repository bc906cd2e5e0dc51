// Package progress aggregates learner progress, awards milestones and
// reports compliance.
package progress

import (
	"fmt"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/checkpoint"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// Config configures the manager.
type Config struct {
	Milestones []Milestone
	Compliance CompliancePolicy
	// Now is the clock used for certificate timestamps.
	Now func() time.Time
}

// DefaultConfig returns the default milestones and compliance policy.
func DefaultConfig() Config {
	return Config{
		Milestones: DefaultMilestones(),
		Compliance: DefaultCompliancePolicy(),
		Now:        time.Now,
	}
}

// Outcome is the state produced by a manager operation together with the
// event payloads it implies, in publication order.
type Outcome struct {
	State   training.LearnerState
	Events  []shared.Payload
	Awarded []training.Certificate
}

func (o *Outcome) merge(next Outcome) {
	o.State = next.State
	o.Events = append(o.Events, next.Events...)
	o.Awarded = append(o.Awarded, next.Awarded...)
}

// Manager computes progress. It never holds state; every call takes the
// current LearnerState and returns the next one.
type Manager struct {
	cfg Config
}

// NewManager creates a progress manager.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Compliance == (CompliancePolicy{}) {
		cfg.Compliance = DefaultCompliancePolicy()
	}
	return &Manager{cfg: cfg}
}

// Milestones returns the registered milestones.
func (m *Manager) Milestones() []Milestone {
	out := make([]Milestone, len(m.cfg.Milestones))
	copy(out, m.cfg.Milestones)
	return out
}

// RecordStepProgress clamps percent, accumulates minutes and re-evaluates
// milestones. Step progress never goes down during one visit of a step.
func (m *Manager) RecordStepProgress(s training.LearnerState, step training.Step, percent float64, minutes shared.Minutes) (Outcome, error) {
	if step != s.CurrentStep() {
		return Outcome{State: s}, shared.NewDomainError("progress", "RecordStepProgress", shared.ErrIllegalTransition,
			fmt.Sprintf("step %d is not the current step %d", step, s.CurrentStep()))
	}
	if minutes < 0 {
		return Outcome{State: s}, shared.NewDomainError("progress", "RecordStepProgress", shared.ErrNegativeValue,
			"minutes cannot be negative")
	}

	p := shared.ClampPercent(percent)
	if p < s.StepProgress() {
		p = s.StepProgress()
	}
	next := s.WithStepProgress(p).WithTimeSpent(minutes)

	out := Outcome{State: next}
	out.Events = append(out.Events, progressPayload(next))
	out.merge(m.EvaluateMilestones(next))
	return out, nil
}

// RecordTime accumulates minutes without touching step progress.
func (m *Manager) RecordTime(s training.LearnerState, minutes shared.Minutes) Outcome {
	if minutes <= 0 {
		return Outcome{State: s}
	}
	next := s.WithTimeSpent(minutes)
	out := Outcome{State: next}
	out.merge(m.EvaluateMilestones(next))
	return out
}

// RecordScore stores the latest percentage of a step, replacing the previous one.
func (m *Manager) RecordScore(s training.LearnerState, step training.Step, pct shared.Percent) Outcome {
	next := s.WithScore(step, pct)
	out := Outcome{State: next}
	out.merge(m.EvaluateMilestones(next))
	return out
}

// CompleteStep marks a step completed once its checkpoint allowed it. The
// next step is unlocked and the step certificate is minted. Completing an
// already completed step changes nothing.
func (m *Manager) CompleteStep(s training.LearnerState, step training.Step, res checkpoint.Result) (Outcome, error) {
	if res.Step != step || !res.CanProceed {
		return Outcome{State: s}, shared.NewDomainError("progress", "CompleteStep", shared.ErrInvalidState,
			fmt.Sprintf("step %d has no passing checkpoint result", step))
	}
	if s.IsCompleted(step) {
		return Outcome{State: s}, nil
	}

	next := s.WithCompleted(step)
	if following, ok := step.Next(); ok {
		next = next.WithUnlocked(following)
	}
	cert := training.NewCertificate(training.StepCertificateID(step), training.CertificateStep,
		fmt.Sprintf("Step %d completed", step), step, 0,
		s.LearnerID().String(), s.SessionID().String(), m.cfg.Now())
	cert.Score = res.Percentage.Int()
	next = next.WithCertificate(cert)

	out := Outcome{State: next, Awarded: []training.Certificate{cert}}
	out.Events = append(out.Events,
		shared.StepCompletedPayload{
			Step:             step.Int(),
			Score:            res.Percentage.Int(),
			TimeSpentMinutes: next.TimeSpentCurrentStep().Int(),
			GlobalProgress:   next.GlobalProgress().Int(),
			Feedback:         res.Feedback,
		},
		progressPayload(next),
	)
	out.merge(m.EvaluateMilestones(next))
	return out, nil
}

// EvaluateMilestones awards every milestone that is met and not yet held.
// With unchanged input it is a no-op.
func (m *Manager) EvaluateMilestones(s training.LearnerState) Outcome {
	out := Outcome{State: s}
	for _, ms := range m.cfg.Milestones {
		if out.State.HasCertificate(ms.ID) || !ms.Reached(out.State) {
			continue
		}
		cert := training.NewCertificate(ms.ID, training.CertificateMilestone, ms.Name, ms.Step, 0,
			s.LearnerID().String(), s.SessionID().String(), m.cfg.Now())
		out.State = out.State.WithCertificate(cert)
		out.Awarded = append(out.Awarded, cert)
		out.Events = append(out.Events, shared.MilestoneReachedPayload{
			MilestoneID:      ms.ID,
			Name:             ms.Name,
			Kind:             string(ms.Kind),
			Threshold:        ms.Threshold,
			CertificateID:    cert.ID,
			VerificationCode: cert.VerificationCode,
		})
	}
	return out
}

func progressPayload(s training.LearnerState) shared.ProgressUpdatedPayload {
	return shared.ProgressUpdatedPayload{
		Step:                 s.CurrentStep().Int(),
		StepProgress:         s.StepProgress().Int(),
		GlobalProgress:       s.GlobalProgress().Int(),
		TimeSpentTotal:       s.TimeSpentTotal().Int(),
		TimeSpentCurrentStep: s.TimeSpentCurrentStep().Int(),
	}
}
