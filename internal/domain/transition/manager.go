// Package transition moves a learner from one step to the next.
package transition

import (
	"fmt"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// Band classifies a step score for presentation.
type Band string

const (
	BandExcellent Band = "excellent"
	BandPass      Band = "pass"
	BandMarginal  Band = "marginal"
)

// BandFor returns the band of a score.
func BandFor(score shared.Percent) Band {
	switch {
	case score >= 90:
		return BandExcellent
	case score >= 75:
		return BandPass
	default:
		return BandMarginal
	}
}

// Feedback is the step_completion feedback shown to the learner. It has no
// influence on whether the learner may proceed.
type Feedback struct {
	Kind    string `json:"kind"` // success | warning
	Band    Band   `json:"band"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// NextAction is a suggested follow-up for the UI.
type NextAction struct {
	ID    string `json:"id"` // continue | review | help
	Label string `json:"label"`
	Step  int    `json:"step,omitempty"`
}

// Outcome is the result of a transition.
type Outcome struct {
	State        training.LearnerState  `json:"-"`
	From         training.Step          `json:"from"`
	To           training.Step          `json:"to"`
	Feedback     Feedback               `json:"feedback"`
	Achievements []training.Certificate `json:"achievements"`
	NextActions  []NextAction           `json:"next_actions"`
	Events       []shared.Payload       `json:"-"`
}

// Manager executes transitions.
type Manager struct {
	catalog training.Catalog
	now     func() time.Time
}

// NewManager creates a transition manager. now may be nil.
func NewManager(catalog training.Catalog, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{catalog: catalog, now: now}
}

// Transition moves the learner from one step to the next one. from must be
// the current, completed step and to must directly follow it with all of its
// prerequisites completed. elapsed is time on from that has not been recorded
// yet. The returned state replaces the previous one as a whole.
func (m *Manager) Transition(s training.LearnerState, from, to training.Step, score shared.Percent, elapsed shared.Minutes) (Outcome, error) {
	const op = "Transition"
	illegal := func(format string, args ...any) error {
		return shared.NewDomainError("transition", op, shared.ErrIllegalTransition, fmt.Sprintf(format, args...))
	}

	if to != from+1 {
		return Outcome{State: s}, illegal("step %d does not follow step %d", to, from)
	}
	toDef, err := m.catalog.Definition(to)
	if err != nil {
		return Outcome{State: s}, err
	}
	fromDef, err := m.catalog.Definition(from)
	if err != nil {
		return Outcome{State: s}, err
	}
	if from != s.CurrentStep() {
		return Outcome{State: s}, illegal("learner is on step %d, not %d", s.CurrentStep(), from)
	}
	if !s.IsCompleted(from) {
		return Outcome{State: s}, illegal("step %d has not been validated", from)
	}
	if !s.Completed().ContainsAll(toDef.Prerequisites) {
		return Outcome{State: s}, illegal("prerequisites of step %d are not completed", to)
	}

	now := m.now()
	timeOnStep := s.TimeSpentCurrentStep().Add(elapsed)

	next := s.
		WithTimeSpent(elapsed).
		WithCompleted(from).
		WithUnlocked(to)

	achievements := m.achievements(s, from, fromDef, score, timeOnStep, now)
	for _, a := range achievements {
		next = next.WithCertificate(a)
	}
	next = next.WithCurrentStep(to).WithActivity(now)

	out := Outcome{
		State:        next,
		From:         from,
		To:           to,
		Feedback:     feedback(fromDef, score),
		Achievements: achievements,
		NextActions:  nextActions(from, to, toDef, score),
	}
	out.Events = append(out.Events,
		shared.StepChangedPayload{From: from.Int(), To: to.Int()},
		shared.ProgressUpdatedPayload{
			Step:                 to.Int(),
			StepProgress:         0,
			GlobalProgress:       next.GlobalProgress().Int(),
			TimeSpentTotal:       next.TimeSpentTotal().Int(),
			TimeSpentCurrentStep: 0,
		},
	)
	return out, nil
}

func (m *Manager) achievements(s training.LearnerState, from training.Step, def training.StepDefinition,
	score shared.Percent, timeOnStep shared.Minutes, now time.Time) []training.Certificate {
	learner, session := s.LearnerID().String(), s.SessionID().String()
	var out []training.Certificate
	add := func(id, title string, points int) {
		if s.HasCertificate(id) {
			return
		}
		out = append(out, training.NewCertificate(id, training.CertificateAchievement, title, from, points, learner, session, now))
	}

	add(fmt.Sprintf("step_%d_completed", from), fmt.Sprintf("%s completed", def.Name), 10)
	switch {
	case score >= 90:
		add(fmt.Sprintf("high_score_%d", from), fmt.Sprintf("Excellent score on %s", def.Name), 20)
	case score >= 80:
		add(fmt.Sprintf("good_score_%d", from), fmt.Sprintf("Good score on %s", def.Name), 15)
	}
	if timeOnStep > 0 && def.EstimatedMinutes > 0 && float64(timeOnStep) <= 0.8*float64(def.EstimatedMinutes) {
		add(fmt.Sprintf("fast_completion_%d", from), fmt.Sprintf("Fast completion of %s", def.Name), 15)
	}
	return out
}

func feedback(def training.StepDefinition, score shared.Percent) Feedback {
	band := BandFor(score)
	switch band {
	case BandExcellent:
		return Feedback{Kind: "success", Band: band, Title: "Excellent work",
			Message: fmt.Sprintf("%s completed with %d%%.", def.Name, score)}
	case BandPass:
		return Feedback{Kind: "success", Band: band, Title: "Step validated",
			Message: fmt.Sprintf("%s completed with %d%%.", def.Name, score)}
	default:
		return Feedback{Kind: "warning", Band: band, Title: "Validated with a marginal score",
			Message: fmt.Sprintf("%s completed with %d%%. Reviewing it before moving on is recommended.", def.Name, score)}
	}
}

func nextActions(from, to training.Step, toDef training.StepDefinition, score shared.Percent) []NextAction {
	actions := []NextAction{
		{ID: "continue", Label: fmt.Sprintf("Start %s", toDef.Name), Step: to.Int()},
		{ID: "review", Label: "Review the previous step", Step: from.Int()},
	}
	if BandFor(score) == BandMarginal {
		actions = append(actions, NextAction{ID: "help", Label: "Ask a trainer for help"})
	}
	return actions
}
