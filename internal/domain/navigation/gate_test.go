package navigation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// learnerOnWorkshops has completed steps 1 and 2 and is on step 3.
func learnerOnWorkshops() training.LearnerState {
	return training.NewLearnerState("learner-1", "session-1", time.Now()).
		WithCompleted(training.StepOnboarding).
		WithCompleted(training.StepDiscovery).
		WithUnlocked(training.StepWorkshops).
		WithCurrentStep(training.StepWorkshops)
}

func TestGate_IsAccessible(t *testing.T) {
	state := learnerOnWorkshops()

	tests := []struct {
		name   string
		policy Policy
		step   training.Step
		want   bool
	}{
		{"current", DefaultPolicy(), training.StepWorkshops, true},
		{"previous with back navigation", DefaultPolicy(), training.StepDiscovery, true},
		{"first with back navigation", DefaultPolicy(), training.StepOnboarding, true},
		{"previous without back navigation", Policy{}, training.StepDiscovery, false},
		{"locked next", DefaultPolicy(), training.StepCertification, false},
		{"invalid", DefaultPolicy(), training.Step(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewGate(tt.policy).IsAccessible(state, tt.step))
		})
	}

	unlockedNext := state.WithUnlocked(training.StepCertification)
	assert.True(t, NewGate(DefaultPolicy()).IsAccessible(unlockedNext, training.StepCertification))
}

func TestGate_CanAdvanceAndRetreat(t *testing.T) {
	g := NewGate(DefaultPolicy())
	fresh := training.NewLearnerState("learner-1", "session-1", time.Now())

	assert.False(t, g.CanRetreat(fresh))
	assert.False(t, g.CanAdvance(fresh))

	state := learnerOnWorkshops()
	assert.True(t, g.CanRetreat(state))
	assert.False(t, g.CanAdvance(state))
	assert.True(t, g.CanAdvance(state.WithUnlocked(training.StepCertification)))

	assert.False(t, NewGate(Policy{}).CanRetreat(state))
}

func TestGate_CheckTarget(t *testing.T) {
	state := learnerOnWorkshops().WithUnlocked(training.StepCertification).WithUnlocked(training.StepResources)

	tests := []struct {
		name    string
		policy  Policy
		target  training.Step
		wantErr error
	}{
		{"stay", DefaultPolicy(), training.StepWorkshops, nil},
		{"next", DefaultPolicy(), training.StepCertification, nil},
		{"previous", DefaultPolicy(), training.StepDiscovery, nil},
		{"completed review", DefaultPolicy(), training.StepOnboarding, nil},
		{"jump ahead", DefaultPolicy(), training.StepResources, shared.ErrIllegalTransition},
		{"jump ahead with skip", Policy{AllowBackNavigation: true, AllowSkip: true}, training.StepResources, nil},
		{"back without policy", Policy{}, training.StepDiscovery, shared.ErrIllegalTransition},
		{"unknown", DefaultPolicy(), training.Step(8), shared.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewGate(tt.policy).CheckTarget(state, tt.target)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	locked := learnerOnWorkshops()
	assert.ErrorIs(t, NewGate(DefaultPolicy()).CheckTarget(locked, training.StepCertification), shared.ErrIllegalTransition)
}

func TestGate_Describe(t *testing.T) {
	g := NewGate(DefaultPolicy())
	nav := g.Describe(learnerOnWorkshops(), training.DefaultCatalog())

	assert.Equal(t, "Workshops", nav.CurrentStepName)
	assert.Equal(t, 2, nav.StepsCompleted)
	assert.True(t, nav.CanGoBack)
	assert.False(t, nav.CanGoForward)
	assert.Equal(t, 160, nav.MinutesRemaining)

	require.Len(t, nav.Breadcrumb, training.StepCount)
	assert.Equal(t, CrumbCompleted, nav.Breadcrumb[0].Status)
	assert.Equal(t, CrumbCurrent, nav.Breadcrumb[2].Status)
	assert.Equal(t, CrumbLocked, nav.Breadcrumb[3].Status)
	assert.False(t, nav.Breadcrumb[3].Accessible)
}
