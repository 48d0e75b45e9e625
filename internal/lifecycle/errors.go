package lifecycle

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an index is outside the entry list.
var ErrNotFound = errors.New("entry not found")

// ValidationError rejects a spec before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error()}
}
