package store

import (
	"errors"
	"fmt"

	"autopilot/internal/docstore"
)

// NotFoundError reports a missing task or execution.
type NotFoundError struct {
	Kind string // "task" | "execution"
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.Path) }

func (e *NotFoundError) Is(target error) bool { return target == docstore.ErrNotFound }

func (e *NotFoundError) Remediation() string {
	return fmt.Sprintf("check the mandate path and %s id; list existing records before retrying", e.Kind)
}

// ConflictError reports an attempt to create a record that already exists.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string { return "already exists: " + e.Path }

func (e *ConflictError) Remediation() string {
	return "choose a different id or update the existing record"
}

// ValidationError reports bad input to a store operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func (e *ValidationError) Remediation() string { return "fix " + e.Field + " and retry" }

func notFound(kind, p string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return &NotFoundError{Kind: kind, Path: p}
	}
	return err
}

// IsNotFound matches both NotFoundError and docstore.ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, docstore.ErrNotFound) }
