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

const materialColumns = `id, session_id, file_name, mime_type, status, extracted_text, error_message, created_at, updated_at`

// CreateMaterial inserts a processing row for an accepted upload.
func (s *Service) CreateMaterial(ctx context.Context, m *models.Material) error {
	if m == nil || m.ID == "" {
		return errors.New("material id is required")
	}
	now := time.Now().UTC()
	m.Status = models.MaterialProcessing
	m.ExtractedText = nil
	m.ErrorMessage = nil
	m.CreatedAt = now
	m.UpdatedAt = now
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO materials (id, session_id, file_name, mime_type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.FileName, m.MimeType, m.Status, now, now,
	); err != nil {
		return fmt.Errorf("insert material: %w", err)
	}
	return nil
}

// SaveMaterialSnapshot stores partial text while the material is still processing.
func (s *Service) SaveMaterialSnapshot(ctx context.Context, id, text string) error {
	return s.guardedUpdate(ctx, "save material snapshot",
		`UPDATE materials SET extracted_text = ?, updated_at = ? WHERE id = ? AND status = ?`,
		text, time.Now().UTC(), id, models.MaterialProcessing,
	)
}

// CompleteMaterial stores the full text and marks the material completed.
func (s *Service) CompleteMaterial(ctx context.Context, id, text string) error {
	if text == "" {
		return errors.New("completed material requires text")
	}
	return s.guardedUpdate(ctx, "complete material",
		`UPDATE materials SET status = ?, extracted_text = ?, error_message = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		models.MaterialCompleted, text, time.Now().UTC(), id, models.MaterialProcessing,
	)
}

// TimeoutMaterial marks a processing material as timed out, keeping the row for retry.
func (s *Service) TimeoutMaterial(ctx context.Context, id, message string) error {
	if message == "" {
		message = "ingestion timed out"
	}
	return s.guardedUpdate(ctx, "timeout material",
		`UPDATE materials SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.MaterialTimeout, message, time.Now().UTC(), id, models.MaterialProcessing,
	)
}

// DeleteMaterial removes a material that is still processing.
func (s *Service) DeleteMaterial(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, "delete material",
		`DELETE FROM materials WHERE id = ? AND status = ?`,
		id, models.MaterialProcessing,
	)
}

func (s *Service) guardedUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrMaterialSettled
	}
	return nil
}

// GetMaterial returns sql.ErrNoRows when the material does not exist.
func (s *Service) GetMaterial(ctx context.Context, id string) (*models.Material, error) {
	m, err := scanMaterial(s.db.QueryRowContext(ctx,
		`SELECT `+materialColumns+` FROM materials WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get material: %w", err)
	}
	return m, nil
}

// ListMaterials returns every material of a session in creation order.
func (s *Service) ListMaterials(ctx context.Context, sessionID int64) ([]*models.Material, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+materialColumns+` FROM materials WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer rows.Close()

	var materials []*models.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

// SweepStaleMaterials times out processing rows untouched since before cutoff.
// Rows listed in skip are still owned by a live job and are left alone.
func (s *Service) SweepStaleMaterials(ctx context.Context, cutoff time.Time, message string, skip []string) (int64, error) {
	query := `UPDATE materials SET status = ?, error_message = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	args := []any{models.MaterialTimeout, message, time.Now().UTC(), models.MaterialProcessing, cutoff.UTC()}
	if len(skip) > 0 {
		placeholders := make([]string, len(skip))
		for i, id := range skip {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep materials: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row rowScanner) (*models.Material, error) {
	var (
		m        models.Material
		text     sql.NullString
		errorMsg sql.NullString
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.FileName, &m.MimeType, &m.Status, &text, &errorMsg, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if text.Valid {
		m.ExtractedText = &text.String
	}
	if errorMsg.Valid {
		m.ErrorMessage = &errorMsg.String
	}
	return &m, nil
}
