package lecture

import (
	"context"
	"fmt"
	"strings"

	"quizcast/internal/models"
)

const contextSeparator = "\n\n"

// AssembleContext concatenates completed material text in creation order, then
// transcript fragments in spoken order. It never writes.
func (s *Service) AssembleContext(ctx context.Context, sessionID int64) (string, error) {
	var parts []string

	rows, err := s.db.QueryContext(ctx,
		`SELECT extracted_text FROM materials
		WHERE session_id = ? AND status = ? AND extracted_text IS NOT NULL
		ORDER BY created_at ASC, id ASC`,
		sessionID, models.MaterialCompleted,
	)
	if err != nil {
		return "", fmt.Errorf("load material text: %w", err)
	}
	parts, err = collectText(rows, parts)
	if err != nil {
		return "", fmt.Errorf("scan material text: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT content FROM transcripts WHERE session_id = ? ORDER BY spoken_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	parts, err = collectText(rows, parts)
	if err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}

	if len(parts) == 0 {
		return "", ErrNoContent
	}
	return truncateRunes(strings.Join(parts, contextSeparator), s.maxContextChars), nil
}

type textRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func collectText(rows textRows, parts []string) ([]string, error) {
	defer rows.Close()
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return parts, err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return parts, rows.Err()
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
