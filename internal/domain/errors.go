package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced session or prompt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunInProgress is returned when a session already has an assistant run in flight.
	ErrRunInProgress = errors.New("an assistant reply is already streaming for this session")
)

// ValidationError reports a bad caller-supplied value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
