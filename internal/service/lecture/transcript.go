package lecture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizcast/internal/models"
)

// AppendTranscript stores one fragment of live transcript text.
func (s *Service) AppendTranscript(ctx context.Context, sessionID int64, content string, spokenAt time.Time) (*models.TranscriptFragment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("transcript content cannot be empty")
	}
	if spokenAt.IsZero() {
		spokenAt = time.Now()
	}
	spokenAt = spokenAt.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, content, spoken_at) VALUES (?, ?, ?)`,
		sessionID, content, spokenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transcript: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("transcript id: %w", err)
	}
	return &models.TranscriptFragment{ID: id, SessionID: sessionID, Content: content, SpokenAt: spokenAt}, nil
}
