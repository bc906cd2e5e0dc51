// Package training contains the domain model of the linear training curriculum.
//
// The package defines:
//
//   - Step: the fixed, ordered sequence of curriculum stages (N = 5)
//   - StepDefinition and ValidationCriterion: read-only content supplied by a Catalog
//   - LearnerState: the immutable learner aggregate; every mutation returns a new value
//   - Certificate: awards minted for milestones, completed steps and achievements
//   - SnapshotRepository: the persistence port used between sessions
//
// # Invariants
//
// After every public operation the state satisfies:
//
//  1. the current step is unlocked
//  2. every completed step is unlocked
//  3. global progress is derived from completed steps and step progress
//  4. a step is completed only after its checkpoint allowed it to proceed
//  5. attempts per checkpoint never exceed the checkpoint limit
//
// CheckInvariants verifies all five against a Catalog.
//
// # Usage
//
//	state := training.NewLearnerState(learnerID, sessionID, time.Now())
//	state = state.WithStepProgress(shared.ClampPercent(40))
//	fmt.Println(state.GlobalProgress()) // 8
package training
