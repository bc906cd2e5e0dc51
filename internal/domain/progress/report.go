package progress

import (
	"fmt"
	"math"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// CompliancePolicy holds the regulatory minimums.
type CompliancePolicy struct {
	MinimumMinutes      int     `json:"minimum_minutes"`
	MinimumAverageScore float64 `json:"minimum_average_score"`
}

// DefaultCompliancePolicy requires 160 minutes and an average score of 75.
func DefaultCompliancePolicy() CompliancePolicy {
	return CompliancePolicy{
		MinimumMinutes:      160,
		MinimumAverageScore: 75,
	}
}

// ComplianceCriterion is one line of the compliance report.
type ComplianceCriterion struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Required float64 `json:"required"`
	Actual   float64 `json:"actual"`
	Met      bool    `json:"met"`
}

// ComplianceReport states which regulatory requirements are satisfied.
type ComplianceReport struct {
	Criteria   []ComplianceCriterion `json:"criteria"`
	Satisfied  int                   `json:"satisfied"`
	Percentage int                   `json:"percentage"`
	Compliant  bool                  `json:"compliant"`
}

// ComplianceReport evaluates the policy whether or not the learner finished.
func (m *Manager) ComplianceReport(s training.LearnerState) ComplianceReport {
	p := m.cfg.Compliance
	criteria := []ComplianceCriterion{
		{
			ID:       "total_time",
			Label:    fmt.Sprintf("At least %d minutes of training", p.MinimumMinutes),
			Required: float64(p.MinimumMinutes),
			Actual:   float64(s.TimeSpentTotal()),
			Met:      s.TimeSpentTotal().Int() >= p.MinimumMinutes,
		},
		{
			ID:       "average_score",
			Label:    fmt.Sprintf("Average step score of at least %.0f%%", p.MinimumAverageScore),
			Required: p.MinimumAverageScore,
			Actual:   s.AverageScore(),
			Met:      len(s.Scores()) > 0 && s.AverageScore() >= p.MinimumAverageScore,
		},
		{
			ID:       "all_steps_completed",
			Label:    "Every step completed",
			Required: training.StepCount,
			Actual:   float64(s.Completed().Len()),
			Met:      s.Completed().Len() == training.StepCount,
		},
	}

	r := ComplianceReport{Criteria: criteria}
	for _, c := range criteria {
		if c.Met {
			r.Satisfied++
		}
	}
	r.Compliant = r.Satisfied == len(criteria)
	r.Percentage = int(math.Round(float64(r.Satisfied) / float64(len(criteria)) * 100))
	return r
}

// StepSummary is the per-step part of the progress report.
type StepSummary struct {
	Step      training.Step `json:"step"`
	Name      string        `json:"name"`
	Completed bool          `json:"completed"`
	Unlocked  bool          `json:"unlocked"`
	Score     *int          `json:"score,omitempty"`
	Attempts  int           `json:"attempts"`
}

// Report is the full progress report of a learner.
type Report struct {
	GlobalProgress    int                    `json:"global_progress"`
	CurrentStep       training.Step          `json:"current_step"`
	StepProgress      int                    `json:"step_progress"`
	TimeSpentTotal    int                    `json:"time_spent_total"`
	AverageScore      float64                `json:"average_score"`
	Steps             []StepSummary          `json:"steps"`
	MilestonesReached []string               `json:"milestones_reached"`
	Certificates      []training.Certificate `json:"certificates"`
	Compliance        ComplianceReport       `json:"compliance"`
	Recommendations   []string               `json:"recommendations"`
	NextSteps         []string               `json:"next_steps"`
}

// ProgressReport builds the learner report.
func (m *Manager) ProgressReport(s training.LearnerState, catalog training.Catalog) Report {
	r := Report{
		GlobalProgress: s.GlobalProgress().Int(),
		CurrentStep:    s.CurrentStep(),
		StepProgress:   s.StepProgress().Int(),
		TimeSpentTotal: s.TimeSpentTotal().Int(),
		AverageScore:   s.AverageScore(),
		Certificates:   s.Certificates(),
		Compliance:     m.ComplianceReport(s),
	}

	for _, step := range training.AllSteps() {
		sum := StepSummary{
			Step:      step,
			Name:      step.String(),
			Completed: s.IsCompleted(step),
			Unlocked:  s.IsUnlocked(step),
			Attempts:  s.Attempts(step.CheckpointID()),
		}
		if d, err := catalog.Definition(step); err == nil {
			sum.Name = d.Name
		}
		if score, ok := s.Score(step); ok {
			v := score.Int()
			sum.Score = &v
		}
		r.Steps = append(r.Steps, sum)
	}

	for _, ms := range m.cfg.Milestones {
		if s.HasCertificate(ms.ID) {
			r.MilestonesReached = append(r.MilestonesReached, ms.ID)
		}
	}

	for _, c := range r.Compliance.Criteria {
		if c.Met {
			continue
		}
		switch c.ID {
		case "total_time":
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("Plan %d more minutes of training", int(c.Required-c.Actual)))
		case "average_score":
			r.Recommendations = append(r.Recommendations, "Revisit the steps with the lowest scores")
		}
	}

	switch {
	case s.Completed().Len() == training.StepCount:
		r.NextSteps = append(r.NextSteps, "Download your certificates")
	case s.IsCompleted(s.CurrentStep()):
		if next, ok := s.CurrentStep().Next(); ok {
			r.NextSteps = append(r.NextSteps, fmt.Sprintf("Continue to %s", next))
		}
	default:
		r.NextSteps = append(r.NextSteps, fmt.Sprintf("Complete the %s checkpoint", s.CurrentStep()))
	}
	return r
}
