// Package checkpoint evaluates learner evidence against the criteria of a
// step and decides whether the learner may proceed.
package checkpoint

import (
	"fmt"
	"strings"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// WeightingPolicy scales the earned and possible points of a criterion
// before they are summed into the aggregate percentage.
type WeightingPolicy interface {
	Name() string
	Weigh(c training.ValidationCriterion, earned, possible float64) (float64, float64)
}

// Policy names accepted by PolicyByName.
const (
	PolicyPoints    = "points"
	PolicyEqual     = "equal"
	PolicyCriterion = "criterion"
)

// PointsWeighting sums raw points. It is the default.
type PointsWeighting struct{}

func (PointsWeighting) Name() string { return PolicyPoints }

func (PointsWeighting) Weigh(_ training.ValidationCriterion, earned, possible float64) (float64, float64) {
	return earned, possible
}

// EqualWeighting gives every criterion the same share of the aggregate
// regardless of its MaxPoints.
type EqualWeighting struct{}

func (EqualWeighting) Name() string { return PolicyEqual }

func (EqualWeighting) Weigh(_ training.ValidationCriterion, earned, possible float64) (float64, float64) {
	if possible <= 0 {
		return 0, 0
	}
	return earned / possible, 1
}

// CriterionWeighting multiplies points by the criterion weight.
type CriterionWeighting struct{}

func (CriterionWeighting) Name() string { return PolicyCriterion }

func (CriterionWeighting) Weigh(c training.ValidationCriterion, earned, possible float64) (float64, float64) {
	w := c.EffectiveWeight()
	return earned * w, possible * w
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (WeightingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyPoints:
		return PointsWeighting{}, nil
	case PolicyEqual:
		return EqualWeighting{}, nil
	case PolicyCriterion:
		return CriterionWeighting{}, nil
	}
	return nil, shared.NewDomainError("checkpoint", "PolicyByName", shared.ErrConfiguration,
		fmt.Sprintf("unknown weighting policy %q", name))
}
