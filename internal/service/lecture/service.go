package lecture

import (
	"database/sql"
	"errors"
)

var (
	// ErrNoContent signals that a session has neither completed materials nor transcript text.
	ErrNoContent = errors.New("no content available for generation")
	// ErrMaterialSettled is returned when a material already left the processing state.
	ErrMaterialSettled = errors.New("material no longer processing")
	// ErrSessionState is returned when a session lifecycle transition is not allowed.
	ErrSessionState = errors.New("session state does not allow this transition")
)

// Service owns persistence for lecture sessions and everything scoped to them.
type Service struct {
	db              *sql.DB
	maxContextChars int
}

// NewService builds a lecture service. maxContextChars bounds AssembleContext, 0 disables the bound.
func NewService(db *sql.DB, maxContextChars int) *Service {
	return &Service{db: db, maxContextChars: maxContextChars}
}
