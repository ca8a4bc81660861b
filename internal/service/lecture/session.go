package lecture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizcast/internal/models"
)

// CreateSession inserts a scheduled session.
func (s *Service) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lecture_sessions (title, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		title, models.SessionScheduled, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, Title: title, Status: models.SessionScheduled, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns sql.ErrNoRows when the session does not exist.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, created_at, updated_at FROM lecture_sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.Title, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// StartSession moves a scheduled session to in_progress.
func (s *Service) StartSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	return s.transition(ctx, sessionID, models.SessionInProgress, models.SessionScheduled)
}

// EndSession moves a scheduled or running session to ended.
func (s *Service) EndSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	return s.transition(ctx, sessionID, models.SessionEnded, models.SessionScheduled, models.SessionInProgress)
}

func (s *Service) transition(ctx context.Context, sessionID int64, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, error) {
	args := []any{to, time.Now().UTC(), sessionID}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lecture_sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return session, fmt.Errorf("%w: %s to %s", ErrSessionState, session.Status, to)
	}
	return session, nil
}
