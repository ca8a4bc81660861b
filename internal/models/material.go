package models

import "time"

type MaterialStatus string

// A material never persists a failed state; non-timeout failures delete the row.
const (
	MaterialProcessing MaterialStatus = "processing"
	MaterialCompleted  MaterialStatus = "completed"
	MaterialTimeout    MaterialStatus = "timeout"
)

// Material represents an uploaded unit of lecture content being converted to text.
type Material struct {
	ID            string         `json:"id"`
	SessionID     int64          `json:"session_id"`
	FileName      string         `json:"file_name"`
	MimeType      string         `json:"mime_type"`
	Status        MaterialStatus `json:"status"`
	ExtractedText *string        `json:"extracted_text,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TextLen reports the number of extracted bytes persisted so far.
func (m *Material) TextLen() int {
	if m == nil || m.ExtractedText == nil {
		return 0
	}
	return len(*m.ExtractedText)
}
