package orchestrator

import (
	"errors"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/checkpoint"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/navigation"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// Next actions suggested to the caller.
const (
	ActionContinueStep    = "continue_step"
	ActionProceedNextStep = "proceed_next_step"
	ActionRetryValidation = "retry_validation"
	ActionContactSupport  = "contact_support"
	ActionStartStep       = "start_step"
	ActionRenavigate      = "renavigate"
	ActionReview          = "review"
)

// Result is returned by every command. Failures are reported here, not as
// errors.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
	NextAction string `json:"next_action,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

func ok(message string, data any, next string) Result {
	return Result{Success: true, Message: message, Data: data, NextAction: next}
}

// ErrorKind names the taxonomy entry of an error for callers that do not
// import the domain packages.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, shared.ErrConfiguration):
		return "configuration"
	case errors.Is(err, shared.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, shared.ErrValidationExhausted):
		return "validation_exhausted"
	case errors.Is(err, shared.ErrPersistence):
		return "persistence"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrAlreadyExists):
		return "already_exists"
	case shared.IsValidation(err):
		return "invalid_input"
	case errors.Is(err, shared.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, shared.ErrServiceUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Result payloads
// ─────────────────────────────────────────────────────────────────────────────

// SessionData is returned by Start.
type SessionData struct {
	Resumed  bool              `json:"resumed"`
	Snapshot training.Snapshot `json:"snapshot"`
}

// StepData is returned by StartStep.
type StepData struct {
	Step       training.Step    `json:"step"`
	Navigation navigation.State `json:"navigation"`
}

// ProgressData is returned by UpdateProgress.
type ProgressData struct {
	Progress shared.ProgressUpdatedPayload `json:"progress"`
	Awarded  []training.Certificate        `json:"awarded,omitempty"`
}

// ValidationData is returned by ValidateStep.
type ValidationData struct {
	Validation     checkpoint.Result      `json:"validation"`
	Completed      bool                   `json:"completed"`
	GlobalProgress int                    `json:"global_progress"`
	Awarded        []training.Certificate `json:"awarded,omitempty"`
}

// StateView is returned by State.
type StateView struct {
	Snapshot   training.Snapshot `json:"snapshot"`
	Navigation navigation.State  `json:"navigation"`
	Ended      bool              `json:"ended"`
	AutoSave   *SaverStats       `json:"auto_save,omitempty"`
}
