package service

import (
	"fmt"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/pkg/errors"
)

// Transition-time errors, returned synchronously to the caller with the
// instance left unchanged.
var (
	ErrNoSuchTransition       = errors.New("no such transition")
	ErrUnauthorized           = errors.New("actor not authorized for transition")
	ErrCommentRequired        = errors.New("transition requires a comment")
	ErrConcurrentModification = errors.New("instance was modified concurrently; refetch and retry")
	ErrInstanceTerminal       = errors.New("instance is in a terminal status")
	ErrInstancePaused         = errors.New("instance is paused")
	ErrDefinitionInactive     = errors.New("definition is not active")
)

// ConditionNotMetError reports a failed transition guard with the offending
// condition surfaced for diagnostics.
type ConditionNotMetError struct {
	Condition models.Condition
}

func (e *ConditionNotMetError) Error() string {
	return fmt.Sprintf("condition not met: %s", e.Condition)
}

// IntegrityError reports an escalation configuration referencing a
// non-existent approval level. The sweep logs it and expires the instance
// instead of crashing.
type IntegrityError struct {
	InstanceID string
	Detail     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error on instance %s: %s", e.InstanceID, e.Detail)
}

// ValidationProblem is one finding of the definition validator.
type ValidationProblem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hard    bool   `json:"hard"` // Hard problems block activation
}

// ValidationResult is the outcome of validating a definition.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Problems []ValidationProblem `json:"problems,omitempty"`
}

func (r *ValidationResult) add(code, format string, args ...interface{}) {
	r.Problems = append(r.Problems, ValidationProblem{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addHard(code, format string, args ...interface{}) {
	r.Problems = append(r.Problems, ValidationProblem{Code: code, Message: fmt.Sprintf(format, args...), Hard: true})
	r.Valid = false
}
