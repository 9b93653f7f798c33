package model

import (
	"errors"
	"fmt"
)

var (
	ErrAssignmentNotFound            = errors.New("assignment not found")
	ErrAssignmentInactive            = errors.New("assignment inactive")
	ErrCaseNotFound                  = errors.New("case not found")
	ErrRunNotFound                   = errors.New("run not found")
	ErrRunClosed                     = errors.New("run no longer accepts input")
	ErrInvalidPhase                  = errors.New("operation not allowed in current phase")
	ErrTurnInProgress                = errors.New("previous message still awaiting a reply")
	ErrUnknownItem                   = errors.New("unknown exam or lab item")
	ErrInvalidDiagnosisSelection     = errors.New("invalid diagnosis selection")
	ErrIncompleteManagementSelection = errors.New("incomplete management selection")
	ErrPatientResponseUnavailable    = errors.New("patient response unavailable, try again")
	ErrScoringUnavailable            = errors.New("semantic scoring unavailable")
	ErrNotSubmitted                  = errors.New("run has not been submitted")
	ErrNotScored                     = errors.New("run has not been scored yet")
	ErrInvalidInput                  = errors.New("invalid input")
	ErrInvalidCase                   = errors.New("invalid case document")
)

// ValidationError reports which field of a payload was rejected. It unwraps to
// the sentinel that classifies the failure.
type ValidationError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// Invalid builds a ValidationError.
func Invalid(kind error, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}
