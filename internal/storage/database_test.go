package storage

import (
	"path/filepath"
	"testing"
	"time"

	"quizcast/internal/config"
)

func TestOpenAndMigrateSQLiteDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dsn := filepath.Join(t.TempDir(), "quizcast.db")
			db, err := Open(driver, config.DatabaseConfig{DSN: dsn})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer db.Close()
			if err := Migrate(db, driver); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			// Migrations are idempotent.
			if err := Migrate(db, driver); err != nil {
				t.Fatalf("second migrate: %v", err)
			}
			now := time.Now().UTC()
			res, err := db.Exec(`INSERT INTO lecture_sessions (title, status, created_at, updated_at) VALUES (?, 'scheduled', ?, ?)`, "t", now, now)
			if err != nil {
				t.Fatalf("insert session: %v", err)
			}
			id, _ := res.LastInsertId()
			if _, err := db.Exec(`INSERT INTO quiz_items (session_id, question, options, correct_index, generated_at) VALUES (?, 'q', '[]', 0, ?)`, id, now); err != nil {
				t.Fatalf("insert quiz item: %v", err)
			}
			if _, err := db.Exec(`DELETE FROM lecture_sessions WHERE id = ?`, id); err != nil {
				t.Fatalf("delete session: %v", err)
			}
			var n int
			if err := db.QueryRow(`SELECT COUNT(*) FROM quiz_items`).Scan(&n); err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != 0 {
				t.Fatalf("expected cascade delete, %d quiz items left", n)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", config.DatabaseConfig{DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite3", config.DatabaseConfig{}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}
