package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reasoning core. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is at the boundary.
var (
	// ErrProfileNotFound means the patient id resolved to no fact-base row.
	// This is the one fatal fetch error; a composing pass does not degrade
	// past it.
	ErrProfileNotFound = errors.New("patient profile not found")

	// ErrSourceUnavailable means a downward collaborator failed after its
	// single retry. Passes degrade with a missing-data warning.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrNoCanonicalForm means the term dictionary is empty, so no mapping
	// or suggestion is possible at all.
	ErrNoCanonicalForm = errors.New("no canonical form available")

	// ErrCorpusReload means a rule snapshot reload failed and the previous
	// snapshot stayed in service. Operator-facing only.
	ErrCorpusReload = errors.New("rule corpus reload failed")

	// ErrInvalidTransition means a plan review asked for an illegal
	// lifecycle move.
	ErrInvalidTransition = errors.New("invalid plan state transition")

	// ErrNotFound is the generic store miss for recommendations and rules.
	ErrNotFound = errors.New("not found")
)

// APIError is the JSON error body returned by the HTTP layer.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}
