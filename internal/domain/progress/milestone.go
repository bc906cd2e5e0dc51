package progress

import (
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// MilestoneKind selects what a milestone threshold is compared with.
type MilestoneKind string

const (
	// MilestoneGlobal compares global progress percent.
	MilestoneGlobal MilestoneKind = "global"
	// MilestoneStep requires a specific step to be completed.
	MilestoneStep MilestoneKind = "step"
	// MilestoneTime compares total minutes spent.
	MilestoneTime MilestoneKind = "time"
	// MilestoneScore compares the average step score.
	MilestoneScore MilestoneKind = "score"
)

// Milestone is a threshold that awards one certificate the first time it is met.
type Milestone struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Kind        MilestoneKind `json:"kind"`
	Threshold   int           `json:"threshold"`
	Step        training.Step `json:"step,omitempty"`
}

// Reached reports whether the state meets the milestone.
func (m Milestone) Reached(s training.LearnerState) bool {
	switch m.Kind {
	case MilestoneGlobal:
		return s.GlobalProgress().Int() >= m.Threshold
	case MilestoneStep:
		return s.IsCompleted(m.Step)
	case MilestoneTime:
		return s.TimeSpentTotal().Int() >= m.Threshold
	case MilestoneScore:
		return len(s.Scores()) > 0 && s.AverageScore() >= float64(m.Threshold)
	}
	return false
}

// DefaultMilestones returns the built-in milestone registry.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{ID: "onboarding_complete", Name: "Onboarding complete", Description: "Finished the onboarding step", Kind: MilestoneStep, Step: training.StepOnboarding},
		{ID: "discovery_mastered", Name: "Discovery mastered", Description: "Finished the discovery step", Kind: MilestoneStep, Step: training.StepDiscovery},
		{ID: "halfway_point", Name: "Halfway point", Description: "Reached 50% of the curriculum", Kind: MilestoneGlobal, Threshold: 50},
		{ID: "workshops_expert", Name: "Workshops expert", Description: "Finished every workshop", Kind: MilestoneStep, Step: training.StepWorkshops},
		{ID: "certified", Name: "Certified", Description: "Completed the whole curriculum", Kind: MilestoneGlobal, Threshold: 100},
		{ID: "dedicated_learner", Name: "Dedicated learner", Description: "Spent the required training time", Kind: MilestoneTime, Threshold: 160},
		{ID: "high_achiever", Name: "High achiever", Description: "Average step score of 90% or more", Kind: MilestoneScore, Threshold: 90},
	}
}
