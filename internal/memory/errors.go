package memory

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a rejected request: a malformed payload, a
// missing required field or an id owned by another agent. Nothing is
// written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// UnknownKindError reports a kind name no operation recognises.
type UnknownKindError struct {
	Op   string
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown %s type: %q", e.Op, e.Kind)
}

// ConsistencyError reports a failed search index update. The primary write
// it belonged to has been rolled back.
type ConsistencyError struct {
	Kind Kind
	ID   string
	Err  error
}

func (e *ConsistencyError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("search index inconsistent for %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("search index update failed for %s %q: %v", e.Kind, e.ID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsUnknownKind reports whether err is or wraps an UnknownKindError.
func IsUnknownKind(err error) bool {
	var u *UnknownKindError
	return errors.As(err, &u)
}

// IsConsistency reports whether err is or wraps a ConsistencyError.
func IsConsistency(err error) bool {
	var c *ConsistencyError
	return errors.As(err, &c)
}

func requireAgent(agent string) (string, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return "", validationErr("agent", "agent id is required")
	}
	return agent, nil
}
