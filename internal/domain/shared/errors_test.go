package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Matching(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("save: %w", WrapError("postgres", "Save", ErrPersistence, "failed to save snapshot", cause))

	assert.True(t, IsPersistence(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "save: postgres.Save: failed to save snapshot: context deadline exceeded", err.Error())

	var de *DomainError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "Save", de.Op)
}

func TestWrapError_ConfigurationCause(t *testing.T) {
	err := WrapError("checkpoint", "Validate", ErrConfiguration, "step 7", ErrStepDefinitionAbsent)

	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, ErrStepDefinitionAbsent)
	assert.False(t, IsIllegalTransition(err))
	assert.Contains(t, err.Error(), "checkpoint.Validate")
}

func TestDomainError_WithoutCause(t *testing.T) {
	assert.Equal(t, "session.Find: session not found", ErrSessionNotFound.Error())
	assert.Equal(t, ErrNotFound, errors.Unwrap(ErrSessionNotFound))
	assert.True(t, IsNotFound(ErrSnapshotNotFound))
	assert.True(t, IsConfiguration(ErrUnknownStep))
	assert.False(t, IsRetryable(ErrSessionEnded))
}

func TestIsValidation(t *testing.T) {
	for _, kind := range []error{ErrInvalidInput, ErrEmptyValue, ErrNegativeValue, ErrValueOutOfRange} {
		assert.True(t, IsValidation(NewDomainError("progress", "Update", kind, "bad")), kind.Error())
	}
	assert.False(t, IsValidation(NewDomainError("navigation", "Check", ErrIllegalTransition, "skip")))
	assert.True(t, IsIllegalTransition(NewDomainError("navigation", "Check", ErrIllegalTransition, "skip")))
}
