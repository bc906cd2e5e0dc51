package navigation

import (
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// CrumbStatus is the display status of a step in the breadcrumb.
type CrumbStatus string

const (
	CrumbCompleted CrumbStatus = "completed"
	CrumbCurrent   CrumbStatus = "current"
	CrumbUnlocked  CrumbStatus = "unlocked"
	CrumbLocked    CrumbStatus = "locked"
)

// Crumb is one breadcrumb entry.
type Crumb struct {
	Step       training.Step `json:"step"`
	Name       string        `json:"name"`
	Status     CrumbStatus   `json:"status"`
	Accessible bool          `json:"accessible"`
}

// State summarises where the learner stands.
type State struct {
	CurrentStep      training.Step `json:"current_step"`
	CurrentStepName  string        `json:"current_step_name"`
	CanGoBack        bool          `json:"can_go_back"`
	CanGoForward     bool          `json:"can_go_forward"`
	StepsCompleted   int           `json:"steps_completed"`
	TotalSteps       int           `json:"total_steps"`
	MinutesRemaining int           `json:"minutes_remaining"`
	Breadcrumb       []Crumb       `json:"breadcrumb"`
}

// Describe builds the navigation state. Step names come from the catalog
// when it has them.
func (g *Gate) Describe(state training.LearnerState, catalog training.Catalog) State {
	name := func(s training.Step) string {
		if d, err := catalog.Definition(s); err == nil && d.Name != "" {
			return d.Name
		}
		return s.String()
	}

	out := State{
		CurrentStep:     state.CurrentStep(),
		CurrentStepName: name(state.CurrentStep()),
		CanGoBack:       g.CanRetreat(state),
		CanGoForward:    g.CanAdvance(state),
		StepsCompleted:  state.Completed().Len(),
		TotalSteps:      training.StepCount,
	}

	for _, s := range training.AllSteps() {
		status := CrumbLocked
		switch {
		case s == state.CurrentStep():
			status = CrumbCurrent
		case state.IsCompleted(s):
			status = CrumbCompleted
		case state.IsUnlocked(s):
			status = CrumbUnlocked
		}
		out.Breadcrumb = append(out.Breadcrumb, Crumb{
			Step:       s,
			Name:       name(s),
			Status:     status,
			Accessible: g.IsAccessible(state, s),
		})
		if !state.IsCompleted(s) {
			if d, err := catalog.Definition(s); err == nil {
				out.MinutesRemaining += d.EstimatedMinutes
			}
		}
	}
	return out
}
