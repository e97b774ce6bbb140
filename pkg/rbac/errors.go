package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPermissionName is returned for names that are not dotted paths
	ErrInvalidPermissionName = errors.New("invalid permission name")

	// ErrRepositoryUnavailable means the answer is unknown, not denied
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrCycleDetected means the role hierarchy is malformed
	ErrCycleDetected = errors.New("role hierarchy cycle detected")

	// ErrNotFound is returned by repositories for missing rows
	ErrNotFound = errors.New("not found")
)

// NameError describes a rejected permission name
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid permission name %q: %s", e.Name, e.Reason)
}

func (e *NameError) Unwrap() error {
	return ErrInvalidPermissionName
}

// Kind labels the error for metrics
func (e *NameError) Kind() string { return "invalid_name" }

// RepositoryError wraps a collaborator failure. It matches both
// ErrRepositoryUnavailable and the underlying cause.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository unavailable: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Is(target error) bool {
	return target == ErrRepositoryUnavailable
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func (e *RepositoryError) Kind() string { return "repository" }

// CycleError reports the role at which the ancestor walk looped or
// exceeded the depth limit
type CycleError struct {
	RoleID RoleID
	Depth  int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("role hierarchy cycle detected at role %d (depth %d)", e.RoleID, e.Depth)
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

func (e *CycleError) Kind() string { return "cycle" }

// unavailable wraps err as a RepositoryError unless it already is one
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RepositoryError
	if errors.As(err, &re) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}
