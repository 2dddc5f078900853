package paperrecord

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInconsistentState = errors.New("inconsistent state")
	ErrPrintingFailure   = errors.New("unable to print labels")
	ErrNotFound          = errors.New("not found")

	// ErrNotRequested is returned when a scanned folder has no pending request.
	ErrNotRequested = fmt.Errorf("%w: no pending request for record", ErrInvalidInput)
	// ErrNoRecord is returned when a returned folder matches no known record.
	ErrNoRecord = fmt.Errorf("%w: no record with identifier", ErrInvalidInput)
)

// AlreadySentError is returned when a folder is scanned for sending but its
// latest request was already sent.
type AlreadySentError struct {
	Identifier        string
	RequestLocationID uuid.UUID
}

func (e *AlreadySentError) Error() string {
	return fmt.Sprintf("record %s was already sent to location %s", e.Identifier, e.RequestLocationID)
}

func (e *AlreadySentError) Unwrap() error { return ErrInvalidInput }

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func inconsistent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInconsistentState, fmt.Sprintf(format, args...))
}
