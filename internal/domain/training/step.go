package training

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STEP
// ══════════════════════════════════════════════════════════════════════════════

// Step is one stage of the curriculum. Valid values are 1..StepCount.
type Step int

const (
	StepOnboarding Step = iota + 1
	StepDiscovery
	StepWorkshops
	StepCertification
	StepResources
)

// StepCount is the number of steps in the curriculum.
const StepCount = 5

// FirstStep is where every learner starts.
const FirstStep = StepOnboarding

var stepNames = map[Step]string{
	StepOnboarding:    "onboarding",
	StepDiscovery:     "discovery",
	StepWorkshops:     "workshops",
	StepCertification: "certification",
	StepResources:     "resources",
}

// IsValid checks that the step belongs to the curriculum.
func (s Step) IsValid() bool {
	return s >= FirstStep && s <= StepCount
}

// Int returns the ordinal position.
func (s Step) Int() int {
	return int(s)
}

// String returns the step slug.
func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "step_" + strconv.Itoa(int(s))
}

// Next returns the following step, if any.
func (s Step) Next() (Step, bool) {
	if !s.IsValid() || s == StepCount {
		return 0, false
	}
	return s + 1, true
}

// Prev returns the preceding step, if any.
func (s Step) Prev() (Step, bool) {
	if !s.IsValid() || s == FirstStep {
		return 0, false
	}
	return s - 1, true
}

// CheckpointID returns the id of the checkpoint gating this step.
func (s Step) CheckpointID() CheckpointID {
	return CheckpointID(fmt.Sprintf("checkpoint_%d", s))
}

// AllSteps returns the curriculum in order.
func AllSteps() []Step {
	steps := make([]Step, 0, StepCount)
	for s := FirstStep; s <= StepCount; s++ {
		steps = append(steps, s)
	}
	return steps
}

// ParseStep converts an external step number. An unknown step is a
// configuration error.
func ParseStep(n int) (Step, error) {
	s := Step(n)
	if !s.IsValid() {
		return 0, shared.WrapError("training", "ParseStep", shared.ErrConfiguration,
			fmt.Sprintf("step %d is not part of the curriculum", n), shared.ErrUnknownStep)
	}
	return s, nil
}

// ParseStepName resolves a step by slug or number.
func ParseStepName(v string) (Step, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, name := range stepNames {
		if name == v {
			return s, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, shared.WrapError("training", "ParseStepName", shared.ErrConfiguration,
			fmt.Sprintf("unknown step %q", v), shared.ErrUnknownStep)
	}
	return ParseStep(n)
}

// CheckpointID identifies the validation gate of a step.
type CheckpointID string

// ══════════════════════════════════════════════════════════════════════════════
// STEP SET
// ══════════════════════════════════════════════════════════════════════════════

// StepSet is an immutable set of steps backed by a bitmask.
type StepSet uint32

// NewStepSet builds a set from the given steps, ignoring invalid ones.
func NewStepSet(steps ...Step) StepSet {
	var set StepSet
	for _, s := range steps {
		set = set.Add(s)
	}
	return set
}

// Add returns a set that also contains s.
func (set StepSet) Add(s Step) StepSet {
	if !s.IsValid() {
		return set
	}
	return set | 1<<uint(s)
}

// Has reports membership.
func (set StepSet) Has(s Step) bool {
	return s.IsValid() && set&(1<<uint(s)) != 0
}

// Len returns the number of members.
func (set StepSet) Len() int {
	return bits.OnesCount32(uint32(set))
}

// SubsetOf reports whether every member of set is in other.
func (set StepSet) SubsetOf(other StepSet) bool {
	return set&^other == 0
}

// ContainsAll reports whether every step in steps is a member.
func (set StepSet) ContainsAll(steps []Step) bool {
	for _, s := range steps {
		if !set.Has(s) {
			return false
		}
	}
	return true
}

// Steps returns the members in curriculum order.
func (set StepSet) Steps() []Step {
	out := make([]Step, 0, set.Len())
	for s := FirstStep; s <= StepCount; s++ {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Ints returns the members as plain integers.
func (set StepSet) Ints() []int {
	steps := set.Steps()
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = int(s)
	}
	return out
}

// StepSetFromInts restores a set from plain integers.
func StepSetFromInts(values []int) (StepSet, error) {
	var set StepSet
	for _, v := range values {
		s, err := ParseStep(v)
		if err != nil {
			return 0, err
		}
		set = set.Add(s)
	}
	return set, nil
}
