package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"quizcast/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Open connects to the database configured for the driver.
// "sqlite3" uses the cgo driver, "sqlite" the pure-Go one.
func Open(driver string, dbCfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open(strings.ToLower(driver), dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection serializes writers and keeps pragmas on the live connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
			}
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = "parseTime=true&loc=UTC"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS lecture_sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'scheduled',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS materials (
				id TEXT PRIMARY KEY,
				session_id INTEGER NOT NULL,
				file_name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				status TEXT NOT NULL,
				extracted_text TEXT,
				error_message TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_materials_session ON materials(session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_materials_status ON materials(status, created_at)`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				content TEXT NOT NULL,
				spoken_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, spoken_at)`,
			`CREATE TABLE IF NOT EXISTS quiz_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				question TEXT NOT NULL,
				options TEXT NOT NULL,
				correct_index INTEGER NOT NULL,
				explanation TEXT,
				generated_at DATETIME NOT NULL,
				pushed_at DATETIME,
				FOREIGN KEY(session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_quiz_items_unpushed ON quiz_items(session_id, pushed_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS lecture_sessions (
				id BIGINT NOT NULL AUTO_INCREMENT,
				title VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL DEFAULT 'scheduled',
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS materials (
				id VARCHAR(36) NOT NULL,
				session_id BIGINT NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				extracted_text LONGTEXT,
				error_message TEXT,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_materials_session (session_id, created_at),
				INDEX idx_materials_status (status, created_at),
				CONSTRAINT fk_materials_session FOREIGN KEY (session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id BIGINT NOT NULL AUTO_INCREMENT,
				session_id BIGINT NOT NULL,
				content MEDIUMTEXT NOT NULL,
				spoken_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_transcripts_session (session_id, spoken_at),
				CONSTRAINT fk_transcripts_session FOREIGN KEY (session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS quiz_items (
				id BIGINT NOT NULL AUTO_INCREMENT,
				session_id BIGINT NOT NULL,
				question TEXT NOT NULL,
				options TEXT NOT NULL,
				correct_index TINYINT NOT NULL,
				explanation TEXT,
				generated_at DATETIME(6) NOT NULL,
				pushed_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				INDEX idx_quiz_items_unpushed (session_id, pushed_at),
				CONSTRAINT fk_quiz_items_session FOREIGN KEY (session_id) REFERENCES lecture_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
