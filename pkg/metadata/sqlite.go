package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/perbu/complaintrag/pkg/complaintrag"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS manifest (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS records (
    position    INTEGER PRIMARY KEY,
    fragment_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    category    TEXT NOT NULL,
    text        TEXT NOT NULL
)`,
}

// Manifest describes the build that produced a metadata file. The same
// generation is written into the matching vector index file.
type Manifest struct {
	Generation   uuid.UUID
	Count        int
	Dimension    int
	Model        string
	ChunkSize    int
	ChunkOverlap int
	CreatedAt    time.Time
}

func (m Manifest) pairs() [][2]string {
	return [][2]string{
		{"generation", m.Generation.String()},
		{"count", strconv.Itoa(m.Count)},
		{"dimension", strconv.Itoa(m.Dimension)},
		{"model", m.Model},
		{"chunk_size", strconv.Itoa(m.ChunkSize)},
		{"chunk_overlap", strconv.Itoa(m.ChunkOverlap)},
		{"created_at", m.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func parseManifest(kv map[string]string) (Manifest, error) {
	var m Manifest
	var err error
	if m.Generation, err = uuid.Parse(kv["generation"]); err != nil {
		return m, fmt.Errorf("metadata: manifest generation: %w", err)
	}
	ints := map[string]*int{
		"count":         &m.Count,
		"dimension":     &m.Dimension,
		"chunk_size":    &m.ChunkSize,
		"chunk_overlap": &m.ChunkOverlap,
	}
	for key, dst := range ints {
		if *dst, err = strconv.Atoi(kv[key]); err != nil {
			return m, fmt.Errorf("metadata: manifest %s: %w", key, err)
		}
	}
	m.Model = kv["model"]
	if ts := kv["created_at"]; ts != "" {
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return m, fmt.Errorf("metadata: manifest created_at: %w", err)
		}
	}
	return m, nil
}

// WriteFile persists the store and its manifest as a fresh SQLite database.
// The database is built under a temporary name and renamed into place.
// m.Count is set from the store.
func (s *Store) WriteFile(ctx context.Context, path string, m Manifest) (err error) {
	m.Count = s.Len()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return fmt.Errorf("metadata: open %s: %w", tmp, err)
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("metadata: schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(position, fragment_id, document_id, category, text) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for pos, r := range s.records {
		if _, err := stmt.ExecContext(ctx, pos, r.FragmentID, r.DocumentID, r.Category, r.Text); err != nil {
			return fmt.Errorf("metadata: insert position %d: %w", pos, err)
		}
	}
	for _, kv := range m.pairs() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO manifest(key, value) VALUES(?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("metadata: manifest %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	// Atomic rename
	return os.Rename(tmp, path)
}

// ReadFile loads a store written by WriteFile. A missing file yields an
// error wrapping fs.ErrNotExist rather than an empty database. Positions
// must be exactly 0..count-1.
func ReadFile(ctx context.Context, path string) (*Store, Manifest, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, Manifest{}, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	defer db.Close()

	kv, err := readManifest(ctx, db)
	if err != nil {
		return nil, Manifest{}, err
	}
	m, err := parseManifest(kv)
	if err != nil {
		return nil, Manifest{}, err
	}

	rows, err := db.QueryContext(ctx, `SELECT position, fragment_id, document_id, category, text FROM records ORDER BY position`)
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("metadata: query records: %w", err)
	}
	defer rows.Close()

	s := New(m.Count)
	for rows.Next() {
		var pos int
		var r complaintrag.Record
		if err := rows.Scan(&pos, &r.FragmentID, &r.DocumentID, &r.Category, &r.Text); err != nil {
			return nil, Manifest{}, err
		}
		if pos != s.Len() {
			return nil, Manifest{}, fmt.Errorf("%w: %s has position %d where %d was expected", ErrDesync, path, pos, s.Len())
		}
		if err := s.Put(pos, r); err != nil {
			return nil, Manifest{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Manifest{}, err
	}
	if s.Len() != m.Count {
		return nil, Manifest{}, fmt.Errorf("%w: %s holds %d records, manifest says %d", ErrDesync, path, s.Len(), m.Count)
	}
	return s, m, nil
}

func readManifest(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM manifest`)
	if err != nil {
		return nil, fmt.Errorf("metadata: query manifest: %w", err)
	}
	defer rows.Close()
	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	return kv, rows.Err()
}
