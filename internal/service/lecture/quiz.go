package lecture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quizcast/internal/models"
)

const quizColumns = `id, session_id, question, options, correct_index, explanation, generated_at, pushed_at`

// SaveQuizItems persists a generated batch in one transaction and fills in ids.
func (s *Service) SaveQuizItems(ctx context.Context, sessionID int64, items []*models.QuizItem) (err error) {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, item := range items {
		options, err := json.Marshal(item.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO quiz_items (session_id, question, options, correct_index, explanation, generated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, item.Question, string(options), item.CorrectIndex, item.Explanation, now,
		)
		if err != nil {
			return fmt.Errorf("insert quiz item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("quiz item id: %w", err)
		}
		item.ID = id
		item.SessionID = sessionID
		item.GeneratedAt = now
		item.PushedAt = nil
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit quiz items: %w", err)
	}
	return nil
}

// ListQuizItems returns the session's items in generation order.
func (s *Service) ListQuizItems(ctx context.Context, sessionID int64) ([]*models.QuizItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+quizColumns+` FROM quiz_items WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list quiz items: %w", err)
	}
	defer rows.Close()

	var items []*models.QuizItem
	for rows.Next() {
		item, err := scanQuizItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quiz item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQuizItem returns sql.ErrNoRows when the item does not exist.
func (s *Service) GetQuizItem(ctx context.Context, id int64) (*models.QuizItem, error) {
	item, err := scanQuizItem(s.db.QueryRowContext(ctx,
		`SELECT `+quizColumns+` FROM quiz_items WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get quiz item: %w", err)
	}
	return item, nil
}

// CountUnpushed returns how many items of the session were never pushed.
func (s *Service) CountUnpushed(ctx context.Context, sessionID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quiz_items WHERE session_id = ? AND pushed_at IS NULL`,
		sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unpushed: %w", err)
	}
	return n, nil
}

// UnpushedAt returns the offset-th unpushed item in id order.
func (s *Service) UnpushedAt(ctx context.Context, sessionID int64, offset int) (*models.QuizItem, error) {
	item, err := scanQuizItem(s.db.QueryRowContext(ctx,
		`SELECT `+quizColumns+` FROM quiz_items WHERE session_id = ? AND pushed_at IS NULL ORDER BY id ASC LIMIT 1 OFFSET ?`,
		sessionID, offset,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("unpushed at offset: %w", err)
	}
	return item, nil
}

// MarkQuizPushed sets pushed_at only if it is still null. It reports whether this call won.
func (s *Service) MarkQuizPushed(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quiz_items SET pushed_at = ? WHERE id = ? AND pushed_at IS NULL`,
		at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark quiz pushed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("quiz rows affected: %w", err)
	}
	return affected == 1, nil
}

func scanQuizItem(row rowScanner) (*models.QuizItem, error) {
	var (
		item        models.QuizItem
		options     string
		explanation sql.NullString
		pushedAt    sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.SessionID, &item.Question, &options, &item.CorrectIndex, &explanation, &item.GeneratedAt, &pushedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if explanation.Valid {
		item.Explanation = &explanation.String
	}
	if pushedAt.Valid {
		t := pushedAt.Time
		item.PushedAt = &t
	}
	return &item, nil
}
