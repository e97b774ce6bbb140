package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrConflict is returned when a unique name is already taken
	ErrConflict = errors.New("already exists")

	// ErrSystemRole is returned when deleting a system role
	ErrSystemRole = errors.New("system roles cannot be deleted")

	// ErrParentCycle is returned when a parent assignment would loop
	ErrParentCycle = errors.New("parent would create a role hierarchy cycle")
)

// ValidationError describes rejected input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// translate maps driver constraint errors onto package errors
func translate(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23503":
			return fmt.Errorf("%s: referenced row is in use or missing: %w", op, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
