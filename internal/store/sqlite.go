package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// IDKey is the metadata key whose value, when present, becomes the entry id.
const IDKey = "eventId"

type SQLiteStore struct {
	db         *sql.DB
	archiveDir string
	vectorizer Vectorizer
}

func NewSQLiteStore(dbPath, archiveDir string, v Vectorizer) (*SQLiteStore, error) {
	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the pipeline.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:         db,
		archiveDir: archiveDir,
		vectorizer: v,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			content TEXT,
			vector BLOB,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contents_ns_created ON contents(namespace, created_at);`,
		`CREATE TABLE IF NOT EXISTS relationships (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			weight REAL,
			namespace TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (from_id, to_id, type, namespace)
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			id TEXT PRIMARY KEY,
			namespace TEXT,
			path TEXT,
			codec TEXT,
			count INTEGER,
			created_at INTEGER,
			digest TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Archive Implementation

func (s *SQLiteStore) SaveArchive(archive *Archive, content []byte) error {
	fullPath := filepath.Join(s.archiveDir, archive.Path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write archive content: %w", err)
	}

	query := `INSERT INTO archives (id, namespace, path, codec, count, created_at, digest) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, archive.ID, archive.Namespace, archive.Path, archive.Codec, archive.Count, archive.CreatedAt.UnixNano(), archive.Digest)
	return err
}

func (s *SQLiteStore) GetArchive(id string) (*Archive, []byte, error) {
	query := `SELECT id, namespace, path, codec, count, created_at, digest FROM archives WHERE id = ?`
	row := s.db.QueryRow(query, id)

	a, err := scanArchive(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("archive not found: %s", id)
		}
		return nil, nil, err
	}

	fullPath := filepath.Join(s.archiveDir, a.Path)
	content, err := os.ReadFile(fullPath) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive content: %w", err)
	}

	return a, content, nil
}

func (s *SQLiteStore) ListArchives(namespace string) ([]*Archive, error) {
	query := `SELECT id, namespace, path, codec, count, created_at, digest FROM archives WHERE namespace = ? ORDER BY created_at`
	rows, err := s.db.Query(query, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archives []*Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchive(row scanner) (*Archive, error) {
	var a Archive
	var created int64
	if err := row.Scan(&a.ID, &a.Namespace, &a.Path, &a.Codec, &a.Count, &created, &a.Digest); err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(0, created)
	return &a, nil
}
