// Package shared holds the identifiers, events and error taxonomy used by
// every training package.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is, or with the Is* predicates below.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidState  = errors.New("invalid state")

	// input
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// progression
	ErrConfiguration       = errors.New("configuration error")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrValidationExhausted = errors.New("validation attempts exhausted")
	ErrHandlerFailure      = errors.New("event handler failure")

	// backends
	ErrPersistence        = errors.New("persistence failure")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// DomainError carries where an error happened, its kind and an optional
// cause. errors.Is matches both the kind and the cause chain.
type DomainError struct {
	Domain  string // "checkpoint", "navigation", "session", ...
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	where := e.Domain + "." + e.Op
	if e.Err == nil {
		return where + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", where, e.Message, e.Err)
}

// Unwrap exposes the cause, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	return (e.Kind != nil && errors.Is(e.Kind, target)) ||
		(e.Err != nil && errors.Is(e.Err, target))
}

// NewDomainError builds an error without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError builds an error around cause.
func WrapError(domain, op string, kind error, message string, cause error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: cause}
}

// Sentinels returned by the training packages.
var (
	ErrUnknownStep          = NewDomainError("training", "Lookup", ErrConfiguration, "unknown step")
	ErrStepDefinitionAbsent = NewDomainError("training", "Definition", ErrConfiguration, "no step definition registered")
	ErrSnapshotNotFound     = NewDomainError("training", "Load", ErrNotFound, "snapshot not found")
	ErrSessionNotFound      = NewDomainError("session", "Find", ErrNotFound, "session not found")
	ErrSessionAlreadyOpen   = NewDomainError("session", "Open", ErrAlreadyExists, "session already open")
	ErrSessionEnded         = NewDomainError("session", "Command", ErrInvalidState, "session already ended")
)

func isAny(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConfiguration reports a deployment or content error: an unknown step or a
// catalog without a definition for it.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

func IsIllegalTransition(err error) bool { return errors.Is(err, ErrIllegalTransition) }

func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsValidation reports malformed caller input.
func IsValidation(err error) bool {
	return isAny(err, ErrInvalidInput, ErrEmptyValue, ErrNegativeValue, ErrValueOutOfRange)
}

// IsRetryable reports backend failures worth another attempt.
func IsRetryable(err error) bool {
	return isAny(err, ErrServiceUnavailable, ErrPersistence)
}
