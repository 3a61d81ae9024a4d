package documents

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPatientNotFound is deliberately indistinguishable from "no access".
	ErrPatientNotFound  = fmt.Errorf("patient not found or access denied: %w", ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("document not found: %w", ErrNotFound)
	ErrUpdateNotFound   = fmt.Errorf("update not found: %w", ErrNotFound)

	ErrStorage      = errors.New("could not generate upload URL")
	ErrRegistration = errors.New("could not register document")
)

// ValidationError names the first offending input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}
