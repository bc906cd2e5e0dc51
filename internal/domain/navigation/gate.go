// Package navigation decides which curriculum steps a learner may reach.
package navigation

import (
	"fmt"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// Policy configures the gate.
type Policy struct {
	// AllowBackNavigation lets learners revisit earlier steps.
	AllowBackNavigation bool
	// AllowSkip lets learners open any unlocked step directly.
	AllowSkip bool
}

// DefaultPolicy allows back navigation and forbids skipping.
func DefaultPolicy() Policy {
	return Policy{AllowBackNavigation: true}
}

// Gate answers reachability questions for one learner state.
type Gate struct {
	policy Policy
}

// NewGate creates a gate.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Policy returns the configured policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// IsAccessible reports whether the learner may view a step.
func (g *Gate) IsAccessible(state training.LearnerState, step training.Step) bool {
	current := state.CurrentStep()
	switch {
	case !step.IsValid():
		return false
	case step == current:
		return true
	case step < current:
		return g.policy.AllowBackNavigation
	default:
		return state.IsUnlocked(step)
	}
}

// CanAdvance reports whether the next step is reachable.
func (g *Gate) CanAdvance(state training.LearnerState) bool {
	next, ok := state.CurrentStep().Next()
	return ok && g.IsAccessible(state, next)
}

// CanRetreat reports whether the previous step is reachable.
func (g *Gate) CanRetreat(state training.LearnerState) bool {
	prev, ok := state.CurrentStep().Prev()
	return ok && g.IsAccessible(state, prev)
}

// CheckTarget rejects moves to a step that is neither adjacent to the
// current one nor already completed, and moves the gate forbids.
func (g *Gate) CheckTarget(state training.LearnerState, target training.Step) error {
	const op = "CheckTarget"
	if !target.IsValid() {
		return shared.WrapError("navigation", op, shared.ErrConfiguration,
			fmt.Sprintf("step %d", target), shared.ErrUnknownStep)
	}
	current := state.CurrentStep()
	if target == current {
		return nil
	}

	adjacent := target == current+1 || target == current-1
	reviewing := state.IsCompleted(target)
	skipping := g.policy.AllowSkip && state.IsUnlocked(target)
	if !adjacent && !reviewing && !skipping {
		return shared.NewDomainError("navigation", op, shared.ErrIllegalTransition,
			fmt.Sprintf("cannot jump from step %d to step %d", current, target))
	}
	if !g.IsAccessible(state, target) {
		return shared.NewDomainError("navigation", op, shared.ErrIllegalTransition,
			fmt.Sprintf("step %d is locked", target))
	}
	return nil
}
