package training

import (
	"fmt"
	"strings"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// CriterionKind selects the scoring rule of a criterion.
type CriterionKind string

const (
	CriterionScore       CriterionKind = "score"
	CriterionTime        CriterionKind = "time"
	CriterionCompletion  CriterionKind = "completion"
	CriterionDeliverable CriterionKind = "deliverable"
)

// IsValid checks the kind is known.
func (k CriterionKind) IsValid() bool {
	switch k {
	case CriterionScore, CriterionTime, CriterionCompletion, CriterionDeliverable:
		return true
	}
	return false
}

const (
	// DefaultMaxPoints is used when a criterion does not set MaxPoints.
	DefaultMaxPoints = 10
	// DefaultMaxAttempts is used when a definition does not set MaxAttempts.
	DefaultMaxAttempts = 3
)

// ValidationCriterion is one measurable condition of a checkpoint.
type ValidationCriterion struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	Kind               CriterionKind `json:"kind"`
	Threshold          float64       `json:"threshold"`
	Mandatory          bool          `json:"mandatory"`
	ComplianceRequired bool          `json:"compliance_required"`
	// Weight is only read by weighting policies that honour it. Zero means 1.
	Weight    float64 `json:"weight,omitempty"`
	MaxPoints float64 `json:"max_points,omitempty"`
}

// Points returns the maximum points the criterion can earn.
func (c ValidationCriterion) Points() float64 {
	if c.MaxPoints <= 0 {
		return DefaultMaxPoints
	}
	return c.MaxPoints
}

// EffectiveWeight returns the weight, defaulting to 1.
func (c ValidationCriterion) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// StepDefinition is the immutable content of a step.
type StepDefinition struct {
	Step             Step                  `json:"step"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	EstimatedMinutes int                   `json:"estimated_minutes"`
	Prerequisites    []Step                `json:"prerequisites"`
	MinimumScore     int                   `json:"minimum_score"`
	Criteria         []ValidationCriterion `json:"criteria"`
	MaxAttempts      int                   `json:"max_attempts"`
}

// CheckpointID returns the checkpoint gating the step.
func (d StepDefinition) CheckpointID() CheckpointID {
	return d.Step.CheckpointID()
}

// AttemptLimit returns MaxAttempts or the default.
func (d StepDefinition) AttemptLimit() int {
	if d.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return d.MaxAttempts
}

// Validate reports content errors as configuration errors.
func (d StepDefinition) Validate() error {
	var problems []string
	if !d.Step.IsValid() {
		problems = append(problems, fmt.Sprintf("step %d is out of range", d.Step))
	}
	if d.MinimumScore < 0 || d.MinimumScore > 100 {
		problems = append(problems, "minimum score must be within [0, 100]")
	}
	if len(d.Criteria) == 0 {
		problems = append(problems, "no validation criteria")
	}
	seen := make(map[string]bool, len(d.Criteria))
	for _, c := range d.Criteria {
		if c.ID == "" {
			problems = append(problems, "criterion without id")
			continue
		}
		if seen[c.ID] {
			problems = append(problems, fmt.Sprintf("duplicate criterion %q", c.ID))
		}
		seen[c.ID] = true
		if !c.Kind.IsValid() {
			problems = append(problems, fmt.Sprintf("criterion %q has unknown kind %q", c.ID, c.Kind))
		}
	}
	for _, p := range d.Prerequisites {
		if !p.IsValid() || p >= d.Step {
			problems = append(problems, fmt.Sprintf("prerequisite %d must precede step %d", p, d.Step))
		}
	}
	if len(problems) > 0 {
		return shared.NewDomainError("training", "StepDefinition.Validate", shared.ErrConfiguration,
			strings.Join(problems, "; "))
	}
	return nil
}

// Evidence is the learner-submitted material for a checkpoint, keyed by criterion id.
type Evidence struct {
	// Values holds numeric evidence: points for score criteria,
	// percentages for completion criteria.
	Values map[string]float64 `json:"values,omitempty"`
	// Deliverables holds artifact references for deliverable criteria.
	Deliverables map[string]string `json:"deliverables,omitempty"`
}

// Value returns the numeric evidence for a criterion.
func (e Evidence) Value(id string) (float64, bool) {
	v, ok := e.Values[id]
	return v, ok
}

// HasDeliverable reports whether a non-empty artifact was submitted.
func (e Evidence) HasDeliverable(id string) bool {
	return strings.TrimSpace(e.Deliverables[id]) != ""
}
