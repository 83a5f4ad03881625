package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the production Adapter backed by a local SQLite database.
// Values are stored in a single kv table; rows can be flagged sensitive so
// the host application can require OS-level re-authentication before the
// vault is opened (the flag is advisory, SQLite does not enforce it).
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for an
// ephemeral database in tests.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		sensitive  INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *SQLite) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, preserving any existing sensitive flag.
func (s *SQLite) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store key %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLite) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// SetSensitive marks or unmarks a stored key as requiring user
// re-authentication before access. The key must already exist.
func (s *SQLite) SetSensitive(key string, sensitive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if sensitive {
		flag = 1
	}
	result, err := s.db.Exec(`UPDATE kv SET sensitive = ? WHERE key = ?`, flag, key)
	if err != nil {
		return fmt.Errorf("failed to flag key %q: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IsSensitive reports whether a stored key is flagged sensitive.
func (s *SQLite) IsSensitive(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flag int
	err := s.db.QueryRow(`SELECT sensitive FROM kv WHERE key = ?`, key).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag for key %q: %w", key, err)
	}
	return flag == 1, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
