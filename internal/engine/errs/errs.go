// Package errs defines the business-rule and infrastructure error taxonomy
// shared by the engine, the pipeline, and the job runner. Business-rule
// errors are deterministic and never worth retrying; infrastructure errors
// may succeed on a later attempt.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrSceneNotEditable        = errors.New("scene is not editable")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSceneNotApproved        = errors.New("scene is not approved")
	ErrBudgetExceeded          = errors.New("project budget exceeded")
	ErrDuplicateCharacter      = errors.New("character name already exists in scene")
	ErrSceneLocked             = errors.New("scene is locked by another holder")
	ErrNotLockHolder           = errors.New("lock held by a different holder")
	ErrProposalNotPending      = errors.New("proposal is not pending")
	ErrMalformedDiff           = errors.New("proposal diff payload is malformed")
	ErrNegativeBudgetCap       = errors.New("budget cap must not be negative")
)

// AgentRunError reports a failed agent role invocation. It is the one
// retryable error class the pipeline produces itself.
type AgentRunError struct {
	SceneID string
	Role    string
	Err     error
}

func (e *AgentRunError) Error() string {
	return fmt.Sprintf("agent role %s failed on scene %s: %v", e.Role, e.SceneID, e.Err)
}

func (e *AgentRunError) Unwrap() error { return e.Err }

// Code returns the stable machine-readable code for an error, or "" when
// the error is not part of the domain taxonomy. Callers use codes for
// HTTP mapping and for UI branching; the code survives retry layers
// because it is derived from the error chain, not from formatting.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSceneNotEditable):
		return "scene_not_editable"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrSceneNotApproved):
		return "scene_not_approved"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrDuplicateCharacter):
		return "duplicate_character_name"
	case errors.Is(err, ErrSceneLocked), errors.Is(err, ErrNotLockHolder):
		return "concurrent_modification"
	case errors.Is(err, ErrProposalNotPending):
		return "proposal_not_pending"
	case errors.Is(err, ErrMalformedDiff):
		return "malformed_diff"
	case errors.Is(err, ErrNegativeBudgetCap):
		return "budget_cap_out_of_range"
	}
	var are *AgentRunError
	if errors.As(err, &are) {
		return "agent_run_failed"
	}
	return ""
}

// Terminal reports whether an error is a deterministic business-rule
// failure. Terminal failures are not re-run by the job runner: a pipeline
// that hit the budget cap will hit it again on every attempt. Lock
// contention is the exception among domain errors: locks expire, so a
// later attempt can succeed.
func Terminal(err error) bool {
	switch Code(err) {
	case "", "agent_run_failed", "concurrent_modification":
		return false
	}
	return true
}
