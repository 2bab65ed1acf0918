// Package tilestore keeps downloaded HiPS payloads on disk using SQLite.
package tilestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no payload is stored for a URL.
var ErrNotFound = errors.New("tile not stored")

// Entry describes a stored payload.
type Entry struct {
	URL      string    `json:"url"`
	SurveyID string    `json:"survey_id"`
	Size     int       `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Missing  bool      `json:"missing"`
}

// Store provides persistent storage for tile payloads keyed by URL.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the tile database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tiles (
		url TEXT PRIMARY KEY,
		survey_id TEXT NOT NULL,
		data BLOB,
		missing INTEGER NOT NULL DEFAULT 0,
		stored_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tiles_survey ON tiles(survey_id);
	CREATE INDEX IF NOT EXISTS idx_tiles_stored ON tiles(stored_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores a payload, replacing any previous one for the URL.
func (s *Store) Put(surveyID, url string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tiles (url, survey_id, data, missing, stored_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(url) DO UPDATE SET data = excluded.data, missing = 0, stored_at = excluded.stored_at
	`, url, surveyID, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// PutMissing records that the server has no payload for the URL.
func (s *Store) PutMissing(surveyID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tiles (url, survey_id, data, missing, stored_at)
		VALUES (?, ?, NULL, 1, ?)
		ON CONFLICT(url) DO UPDATE SET data = NULL, missing = 1, stored_at = excluded.stored_at
	`, url, surveyID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Get returns the stored payload. missing is true when the URL was recorded as
// absent on the server.
func (s *Store) Get(url string) (data []byte, missing bool, err error) {
	row := s.db.QueryRow(`SELECT data, missing FROM tiles WHERE url = ?`, url)
	var m int
	if err := row.Scan(&data, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	return data, m != 0, nil
}

// List returns the entries of a survey, most recent first.
func (s *Store) List(surveyID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT url, survey_id, COALESCE(LENGTH(data), 0), missing, stored_at
		FROM tiles WHERE survey_id = ?
		ORDER BY stored_at DESC LIMIT ?
	`, surveyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var missing int
		var storedAt string
		if err := rows.Scan(&e.URL, &e.SurveyID, &e.Size, &missing, &storedAt); err != nil {
			return nil, err
		}
		e.Missing = missing != 0
		e.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tiles`).Scan(&n)
	return n, err
}

// DeleteExpired removes entries stored more than retention ago.
func (s *Store) DeleteExpired(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	result, err := s.db.Exec(`DELETE FROM tiles WHERE stored_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteSurvey removes every entry of a survey.
func (s *Store) DeleteSurvey(surveyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM tiles WHERE survey_id = ?", surveyID)
	return err
}
