package extraction

import (
	"context"
	"errors"
)

type State string

const (
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// ErrRemoteFailed is returned when the extraction service reports a hard failure for a handle.
var ErrRemoteFailed = errors.New("extraction service reported failure")

// Handle identifies uploaded content on the extraction service.
type Handle struct {
	Name     string
	URI      string
	MimeType string
}

type Status struct {
	State State
	Error string
}

// Client is the contract the ingestion worker consumes.
type Client interface {
	Upload(ctx context.Context, filename string, data []byte, mimeType string) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	// ExtractText streams text through emit; an emit error aborts extraction.
	ExtractText(ctx context.Context, h Handle, emit func(chunk string) error) error
	Release(ctx context.Context, h Handle) error
}
