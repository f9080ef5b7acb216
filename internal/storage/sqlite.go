// Package storage is the SQLite-backed journal: download jobs with
// their state transitions, and a per-DOI access log backing the
// recent-papers listing.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for jobs and accesses.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "paperdex.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Jobs ---

// CreateJob journals a new download job in the queued state.
func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	state := job.State
	if state == "" {
		state = StateQueued
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, doi, destination, state, attempts, content_hash, bytes_read, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', 0, '', ?, ?)`,
		job.ID, job.DOI, job.Destination, state, now, now,
	)
	return err
}

// UpdateJobState records a state transition.
func (s *Store) UpdateJobState(id, state string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`, state, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a job stored with its verified content hash and size.
func (s *Store) CompleteJob(id, contentHash string, bytesRead int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, content_hash = ?, bytes_read = ?, updated_at = ? WHERE id = ?`,
		StateStored, contentHash, bytesRead, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a job failed, recording its final attempt count and error.
func (s *Store) FailJob(id string, attempts int, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StateFailed, attempts, errMsg, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementJobAttempts bumps the attempt counter after a fetch retry.
func (s *Store) IncrementJobAttempts(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, doi, destination, state, attempts, content_hash, bytes_read, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.DOI, &j.Destination, &j.State, &j.Attempts, &j.ContentHash, &j.BytesRead, &j.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// RecentJobs returns the newest jobs first.
func (s *Store) RecentJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, doi, destination, state, attempts, content_hash, bytes_read, last_error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		var j Job
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.DOI, &j.Destination, &j.State, &j.Attempts, &j.ContentHash, &j.BytesRead, &j.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// --- Access log ---

// RecordAccess appends one tool touch for a DOI.
func (s *Store) RecordAccess(doi, tool string) error {
	_, err := s.db.Exec(`
		INSERT INTO accesses (doi, tool, created_at) VALUES (?, ?, ?)`,
		doi, tool, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// RecentAccesses returns the newest accesses first, one row per touch.
func (s *Store) RecentAccesses(limit int) ([]Access, error) {
	rows, err := s.db.Query(`
		SELECT id, doi, tool, created_at
		FROM accesses ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Access
	for rows.Next() {
		var a Access
		var createdAt string
		if err := rows.Scan(&a.ID, &a.DOI, &a.Tool, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// RecentDOIs returns the most recently touched distinct DOIs, newest first.
func (s *Store) RecentDOIs(limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT doi, MAX(id) AS latest
		FROM accesses GROUP BY doi ORDER BY latest DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dois []string
	for rows.Next() {
		var doi string
		var latest int64
		if err := rows.Scan(&doi, &latest); err != nil {
			return nil, err
		}
		dois = append(dois, doi)
	}
	return dois, rows.Err()
}
