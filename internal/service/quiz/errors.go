package quiz

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the overall generation deadline passes.
	ErrTimeout = errors.New("quiz generation timed out")
	// ErrRejected is returned when the service reports success=false or produces no items.
	ErrRejected = errors.New("generation service produced no quizzes")
	// ErrEmptyContext is returned when Generate is called without context text.
	ErrEmptyContext = errors.New("generation context is empty")
)

// ParseError means the reply was not JSON even after one sanitize pass.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse generation output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError means the reply was JSON but did not have the required shape.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid generation output at %s: %s", e.Path, e.Reason)
}

// RemoteError wraps a failure reported by the generation service.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("generation service: %v", e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
