package checkpoint

import (
	"fmt"
	"math"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// DefaultComplianceFloor is the aggregate percentage below which a checkpoint
// is never compliant.
const DefaultComplianceFloor = 70

// Config configures the validator.
type Config struct {
	Weighting       WeightingPolicy
	ComplianceFloor int
}

// DefaultConfig returns unweighted points and a compliance floor of 70.
func DefaultConfig() Config {
	return Config{
		Weighting:       PointsWeighting{},
		ComplianceFloor: DefaultComplianceFloor,
	}
}

// CriterionOutcome is the verdict on one criterion.
type CriterionOutcome struct {
	CriterionID        string                 `json:"criterion_id"`
	Name               string                 `json:"name"`
	Kind               training.CriterionKind `json:"kind"`
	Passed             bool                   `json:"passed"`
	Earned             float64                `json:"earned"`
	Possible           float64                `json:"possible"`
	Mandatory          bool                   `json:"mandatory"`
	ComplianceRequired bool                   `json:"compliance_required"`
	Feedback           string                 `json:"feedback"`
}

// Result is produced by every validation call.
type Result struct {
	Step              training.Step         `json:"step"`
	CheckpointID      training.CheckpointID `json:"checkpoint_id"`
	Outcomes          []CriterionOutcome    `json:"outcomes"`
	Percentage        shared.Percent        `json:"percentage"`
	MinimumScore      int                   `json:"minimum_score"`
	IsValid           bool                  `json:"is_valid"`
	ComplianceOK      bool                  `json:"compliance_ok"`
	MandatoryOK       bool                  `json:"mandatory_ok"`
	CanProceed        bool                  `json:"can_proceed"`
	Attempt           int                   `json:"attempt"`
	MaxAttempts       int                   `json:"max_attempts"`
	AttemptsRemaining int                   `json:"attempts_remaining"`
	RetryAllowed      bool                  `json:"retry_allowed"`
	Exhausted         bool                  `json:"exhausted"`
	Feedback          string                `json:"feedback"`
	Strengths         []string              `json:"strengths,omitempty"`
	Improvements      []string              `json:"improvements,omitempty"`
	Recommendations   []string              `json:"recommendations,omitempty"`
}

// ApplyAttempt returns the state with this call's attempt counted.
// Exhausted results count nothing.
func (r Result) ApplyAttempt(state training.LearnerState) training.LearnerState {
	if r.Exhausted {
		return state
	}
	return state.WithAttempt(r.CheckpointID)
}

// Err returns ErrValidationExhausted for exhausted results, nil otherwise.
func (r Result) Err() error {
	if r.Exhausted {
		return shared.NewDomainError("checkpoint", "Validate", shared.ErrValidationExhausted,
			fmt.Sprintf("%s: %d of %d attempts used", r.CheckpointID, r.Attempt, r.MaxAttempts))
	}
	return nil
}

// Validator evaluates checkpoints. It reads state and never mutates it; the
// attempt it consumes is reported on the Result.
type Validator struct {
	catalog training.Catalog
	cfg     Config
}

// NewValidator creates a validator.
func NewValidator(catalog training.Catalog, cfg Config) *Validator {
	if cfg.Weighting == nil {
		cfg.Weighting = PointsWeighting{}
	}
	if cfg.ComplianceFloor <= 0 {
		cfg.ComplianceFloor = DefaultComplianceFloor
	}
	return &Validator{catalog: catalog, cfg: cfg}
}

// Validate evaluates evidence for a step. timeSpent is the time spent on the
// step so far, in minutes. A step without definition is a configuration error.
func (v *Validator) Validate(state training.LearnerState, step training.Step, ev training.Evidence, timeSpent shared.Minutes) (Result, error) {
	def, err := v.catalog.Definition(step)
	if err != nil {
		return Result{}, err
	}

	cp := def.CheckpointID()
	limit := def.AttemptLimit()
	used := state.Attempts(cp)

	res := Result{
		Step:         step,
		CheckpointID: cp,
		MinimumScore: def.MinimumScore,
		MaxAttempts:  limit,
	}

	if used >= limit {
		res.Attempt = used
		res.Exhausted = true
		res.Feedback = "No attempts left for this checkpoint. Review the material or contact support."
		res.Recommendations = []string{"Contact your trainer to reset the checkpoint"}
		return res, nil
	}

	res.Attempt = used + 1
	res.AttemptsRemaining = limit - res.Attempt
	res.RetryAllowed = res.AttemptsRemaining > 0

	var earnedSum, possibleSum float64
	complianceCriteriaOK := true
	res.MandatoryOK = true
	for _, c := range def.Criteria {
		out := evaluate(c, ev, timeSpent)
		res.Outcomes = append(res.Outcomes, out)

		e, p := v.cfg.Weighting.Weigh(c, out.Earned, out.Possible)
		earnedSum += e
		possibleSum += p

		if c.ComplianceRequired && !out.Passed {
			complianceCriteriaOK = false
		}
		if c.Mandatory && !out.Passed {
			res.MandatoryOK = false
		}
		if out.Passed {
			res.Strengths = append(res.Strengths, c.Name)
		} else {
			res.Improvements = append(res.Improvements, c.Name)
			res.Recommendations = append(res.Recommendations, recommendation(c))
		}
	}

	if possibleSum > 0 {
		res.Percentage = shared.ClampPercent(100 * earnedSum / possibleSum)
	}
	res.IsValid = res.Percentage.AtLeast(def.MinimumScore)
	res.ComplianceOK = complianceCriteriaOK && res.Percentage.AtLeast(v.cfg.ComplianceFloor)
	res.CanProceed = res.IsValid && res.ComplianceOK && res.MandatoryOK
	res.Feedback = summary(res)

	return res, nil
}

func evaluate(c training.ValidationCriterion, ev training.Evidence, timeSpent shared.Minutes) CriterionOutcome {
	possible := c.Points()
	out := CriterionOutcome{
		CriterionID:        c.ID,
		Name:               c.Name,
		Kind:               c.Kind,
		Possible:           possible,
		Mandatory:          c.Mandatory,
		ComplianceRequired: c.ComplianceRequired,
	}

	switch c.Kind {
	case training.CriterionScore:
		value, _ := ev.Value(c.ID)
		out.Earned = math.Max(0, math.Min(value, possible))
		out.Passed = value >= c.Threshold
		out.Feedback = fmt.Sprintf("score %.0f, required %.0f", value, c.Threshold)

	case training.CriterionTime:
		out.Passed = float64(timeSpent) >= c.Threshold
		if out.Passed {
			out.Earned = possible
		}
		out.Feedback = fmt.Sprintf("%d minutes spent, required %.0f", timeSpent, c.Threshold)

	case training.CriterionCompletion:
		pct, _ := ev.Value(c.ID)
		pct = math.Max(0, math.Min(pct, 100))
		out.Earned = math.Round(possible * pct / 100)
		out.Passed = pct >= c.Threshold
		out.Feedback = fmt.Sprintf("%.0f%% completed, required %.0f%%", pct, c.Threshold)

	case training.CriterionDeliverable:
		out.Passed = ev.HasDeliverable(c.ID)
		if out.Passed {
			out.Earned = possible
			out.Feedback = "deliverable submitted"
		} else {
			out.Feedback = "deliverable missing"
		}
	}
	return out
}

func recommendation(c training.ValidationCriterion) string {
	switch c.Kind {
	case training.CriterionScore:
		return fmt.Sprintf("Review the material and retake %s", c.Name)
	case training.CriterionTime:
		return fmt.Sprintf("Spend more time on %s", c.Name)
	case training.CriterionCompletion:
		return fmt.Sprintf("Finish the remaining parts of %s", c.Name)
	case training.CriterionDeliverable:
		return fmt.Sprintf("Submit %s", c.Name)
	}
	return c.Name
}

func summary(r Result) string {
	switch {
	case r.CanProceed:
		return fmt.Sprintf("Checkpoint passed with %d%%.", r.Percentage)
	case r.IsValid && !r.MandatoryOK:
		return fmt.Sprintf("Score %d%% is sufficient but a mandatory criterion is not met.", r.Percentage)
	case r.IsValid:
		return fmt.Sprintf("Score %d%% is sufficient but compliance criteria are not met.", r.Percentage)
	default:
		return fmt.Sprintf("Score %d%% is below the required %d%%.", r.Percentage, r.MinimumScore)
	}
}
