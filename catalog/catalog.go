// Package catalog tracks known frame files in sqlite: the raw captures
// found by ingest plus everything the processing tasks produce.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Frame kinds recorded in the catalog.
const (
	KindRaw       = "raw"
	KindPNG       = "png"
	KindCorrected = "corrected"
)

// Record is one catalogued frame file.
type Record struct {
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"` // path of the frame this was derived from
	Size      int64     `json:"size"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a path is not in the catalog.
var ErrNotFound = errors.New("frame not found in catalog")

// EnsureSchema creates the frames table if it does not exist.
func EnsureSchema(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS frames (
		path TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT,
		size INTEGER,
		width INTEGER,
		height INTEGER,
		created_at DATETIME NOT NULL
	);`
	if _, err := db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create frames table: %w", err)
	}
	return nil
}

// Insert adds or replaces a record. A zero CreatedAt is filled with the
// current time.
func Insert(db *sql.DB, rec Record) error {
	if rec.Path == "" {
		return errors.New("record path is empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	stmt := `INSERT OR REPLACE INTO frames (path, kind, source, size, width, height, created_at)
	         VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.Exec(stmt, rec.Path, rec.Kind, rec.Source, rec.Size, rec.Width, rec.Height, rec.CreatedAt)
	return err
}

// Get returns the record for a path, or ErrNotFound.
func Get(db *sql.DB, path string) (*Record, error) {
	row := db.QueryRow(`SELECT path, kind, COALESCE(source, ''), size, width, height, created_at
	                    FROM frames WHERE path = ?`, path)
	var rec Record
	err := row.Scan(&rec.Path, &rec.Kind, &rec.Source, &rec.Size, &rec.Width, &rec.Height, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns records newest first, optionally filtered by kind. A
// limit of 0 means no limit.
func List(db *sql.DB, kind string, limit int) ([]Record, error) {
	query := `SELECT path, kind, COALESCE(source, ''), size, width, height, created_at FROM frames`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, path`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Path, &rec.Kind, &rec.Source, &rec.Size, &rec.Width, &rec.Height, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ExistingPaths returns the set of catalogued paths under a directory
// prefix. An empty prefix returns every path.
func ExistingPaths(db *sql.DB, dirPrefix string) (map[string]struct{}, error) {
	query := `SELECT path FROM frames`
	var args []interface{}
	if dirPrefix != "" {
		query += ` WHERE path LIKE ?`
		args = append(args, dirPrefix+"%")
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		result[path] = struct{}{}
	}
	return result, rows.Err()
}

// Remove deletes a record. Removing an unknown path is not an error.
func Remove(db *sql.DB, path string) error {
	_, err := db.Exec(`DELETE FROM frames WHERE path = ?`, path)
	return err
}

// Count returns the number of records, optionally filtered by kind.
func Count(db *sql.DB, kind string) (int, error) {
	query := `SELECT COUNT(*) FROM frames`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	var n int
	err := db.QueryRow(query, args...).Scan(&n)
	return n, err
}
