package training

import (
	"fmt"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// Catalog is the content provider. Definitions are read-only.
type Catalog interface {
	// Definition returns the definition of a step.
	// A missing definition is a configuration error.
	Definition(step Step) (StepDefinition, error)
}

// StaticCatalog serves definitions from memory.
type StaticCatalog struct {
	defs map[Step]StepDefinition
}

// NewStaticCatalog validates and indexes definitions.
func NewStaticCatalog(defs ...StepDefinition) (*StaticCatalog, error) {
	c := &StaticCatalog{defs: make(map[Step]StepDefinition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Step]; dup {
			return nil, shared.NewDomainError("training", "NewStaticCatalog", shared.ErrConfiguration,
				fmt.Sprintf("step %d defined twice", d.Step))
		}
		c.defs[d.Step] = d
	}
	return c, nil
}

// Definition implements Catalog.
func (c *StaticCatalog) Definition(step Step) (StepDefinition, error) {
	d, ok := c.defs[step]
	if !ok {
		return StepDefinition{}, shared.WrapError("training", "Definition", shared.ErrConfiguration,
			fmt.Sprintf("step %d", step), shared.ErrStepDefinitionAbsent)
	}
	return d, nil
}

// EstimatedMinutesFrom sums estimated minutes of the steps from s onwards.
func EstimatedMinutesFrom(c Catalog, s Step) int {
	total := 0
	for step := s; step.IsValid(); step++ {
		if d, err := c.Definition(step); err == nil {
			total += d.EstimatedMinutes
		}
	}
	return total
}

// WithMaxAttempts returns a catalog whose definitions use the given limit
// wherever none was set.
func (c *StaticCatalog) WithMaxAttempts(n int) *StaticCatalog {
	out := &StaticCatalog{defs: make(map[Step]StepDefinition, len(c.defs))}
	for k, d := range c.defs {
		if d.MaxAttempts <= 0 {
			d.MaxAttempts = n
		}
		out.defs[k] = d
	}
	return out
}

// DefaultCatalog returns the built-in five step curriculum.
func DefaultCatalog() *StaticCatalog {
	c, err := NewStaticCatalog(defaultDefinitions()...)
	if err != nil {
		panic(err)
	}
	return c
}

func defaultDefinitions() []StepDefinition {
	return []StepDefinition{
		{
			Step:             StepOnboarding,
			Name:             "Onboarding",
			Description:      "Introduction to the method and a level test",
			EstimatedMinutes: 5,
			MinimumScore:     80,
			Criteria: []ValidationCriterion{
				{ID: "completion", Name: "Sections completed", Kind: CriterionCompletion, Threshold: 100, Mandatory: true, MaxPoints: 100},
				{ID: "level_test_score", Name: "Level test score", Kind: CriterionScore, Threshold: 60, Mandatory: true, MaxPoints: 100},
			},
		},
		{
			Step:             StepDiscovery,
			Name:             "Discovery",
			Description:      "Guided discovery of the risk study case",
			EstimatedMinutes: 15,
			Prerequisites:    []Step{StepOnboarding},
			MinimumScore:     75,
			Criteria: []ValidationCriterion{
				{ID: "quiz_score", Name: "Discovery quiz score", Kind: CriterionScore, Threshold: 75, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "exercise_completion", Name: "Exercises completed", Kind: CriterionCompletion, Threshold: 100, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "mapping_complete", Name: "Ecosystem mapping", Kind: CriterionDeliverable, Mandatory: true, MaxPoints: 50},
			},
		},
		{
			Step:             StepWorkshops,
			Name:             "Workshops",
			Description:      "The five risk analysis workshops",
			EstimatedMinutes: 120,
			Prerequisites:    []Step{StepDiscovery},
			MinimumScore:     70,
			Criteria: []ValidationCriterion{
				{ID: "all_workshops_completed", Name: "All workshops completed", Kind: CriterionCompletion, Threshold: 100, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "minimum_workshop_scores", Name: "Workshop scores", Kind: CriterionScore, Threshold: 70, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "workshop_time", Name: "Time in workshops", Kind: CriterionTime, Threshold: 90, MaxPoints: 20},
			},
		},
		{
			Step:             StepCertification,
			Name:             "Certification",
			Description:      "Final assessment and certification dossier",
			EstimatedMinutes: 30,
			Prerequisites:    []Step{StepWorkshops},
			MinimumScore:     70,
			Criteria: []ValidationCriterion{
				{ID: "final_exam", Name: "Final exam", Kind: CriterionScore, Threshold: 70, Mandatory: true, ComplianceRequired: true, MaxPoints: 100},
				{ID: "certification_dossier", Name: "Certification dossier", Kind: CriterionDeliverable, Mandatory: true, ComplianceRequired: true, MaxPoints: 50},
			},
		},
		{
			Step:             StepResources,
			Name:             "Resources",
			Description:      "Reference material and continued practice",
			EstimatedMinutes: 10,
			Prerequisites:    []Step{StepCertification},
			MinimumScore:     70,
			Criteria: []ValidationCriterion{
				{ID: "resources_reviewed", Name: "Resources reviewed", Kind: CriterionCompletion, Threshold: 80, Mandatory: true, MaxPoints: 100},
			},
		},
	}
}
