// Package store implements durable persistence for minder's entities on
// PostgreSQL. Each entity family gets its own store struct over the shared
// sqlx handle; conditional UPDATEs surface optimistic-concurrency failures
// as ErrConflict.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a conditional update matched no rows,
	// e.g. claiming an interaction someone else already claimed.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicate is returned when a (user, platform_msg_id) pair already
	// exists in the interaction or quarantine tables.
	ErrDuplicate = errors.New("platform message already ingested")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
