package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists globals in a single-table SQLite database, one
// row per variable with the value JSON-encoded.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite globals db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS globals (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init globals table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load() (map[string]any, error) {
	rows, err := s.db.Query(`SELECT name, value FROM globals`)
	if err != nil {
		return nil, fmt.Errorf("query globals: %w", err)
	}
	defer rows.Close()

	m := map[string]any{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan global: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode global %q: %w", name, err)
		}
		m[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate globals: %w", err)
	}
	return m, nil
}

// Save replaces the whole table in one transaction.
func (s *SQLiteStore) Save(m map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin globals save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM globals`); err != nil {
		return fmt.Errorf("clear globals: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO globals (name, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare globals insert: %w", err)
	}
	defer stmt.Close()

	for name, v := range m {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode global %q: %w", name, err)
		}
		if _, err := stmt.Exec(name, string(raw)); err != nil {
			return fmt.Errorf("insert global %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
