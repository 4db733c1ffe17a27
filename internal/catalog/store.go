// Package catalog is the authoritative store for skills, versions,
// embeddings, and the lexical index. It is backed by a single SQLite file
// (or :memory: for tests) with single-writer / multi-reader discipline.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"skillsmith/internal/logging"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound = errors.New("skill not found")
	ErrStorage  = errors.New("storage error")
)

// Store owns the catalog database.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	dims int

	vecEnabled bool // sqlite-vec vec0 virtual tables available
	ftsEnabled bool // FTS5 available
}

// Open creates or opens the catalog at path. Use ":memory:" for tests.
// dims fixes the embedding width for the vector table.
func Open(path string, dims int) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.Open")
	defer timer.Stop()

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// Single connection: serializes writes and keeps :memory: databases
	// from silently sharding per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: path, dims: dims}

	s.ftsEnabled = s.detectFTS()
	s.vecEnabled = s.detectVec()

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryCatalog).Info("catalog opened at %s (fts=%v, vec=%v, dims=%d)",
		path, s.ftsEnabled, s.vecEnabled, dims)
	return s, nil
}

// detectFTS probes for the FTS5 module. When unavailable, lexical search
// falls back to a LIKE-based scorer.
func (s *Store) detectFTS() bool {
	_, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(x)")
	if err != nil {
		logging.Get(logging.CategoryCatalog).Warn("FTS5 unavailable, using fallback lexical search: %v", err)
		return false
	}
	s.db.Exec("DROP TABLE IF EXISTS fts_probe")
	return true
}

// detectVec probes for the sqlite-vec vec0 module. When unavailable,
// vector search scans stored embeddings and ranks by cosine similarity.
func (s *Store) detectVec() bool {
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[%d])", s.dims))
	if err != nil {
		logging.Get(logging.CategoryCatalog).Info("vec0 unavailable, using in-process cosine ranking: %v", err)
		return false
	}
	s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	return true
}

// initSchema creates the base tables.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skills (
		id              TEXT PRIMARY KEY,
		author          TEXT NOT NULL,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		category        TEXT NOT NULL DEFAULT '',
		source_repo     TEXT NOT NULL DEFAULT '',
		source_path     TEXT NOT NULL DEFAULT '',
		revision        TEXT NOT NULL DEFAULT '',
		content_hash    TEXT NOT NULL,
		size_bytes      INTEGER NOT NULL DEFAULT 0,
		language        TEXT NOT NULL DEFAULT '',
		version         TEXT NOT NULL DEFAULT '',
		triggers        TEXT NOT NULL DEFAULT '[]',
		roles           TEXT NOT NULL DEFAULT '[]',
		compatibility   TEXT NOT NULL DEFAULT '{}',
		repository_url  TEXT NOT NULL DEFAULT '',
		signals         TEXT NOT NULL DEFAULT '{}',
		score           INTEGER NOT NULL DEFAULT 0,
		sub_scores      TEXT NOT NULL DEFAULT '{}',
		tier            TEXT NOT NULL DEFAULT 'unknown',
		scan_status     TEXT NOT NULL DEFAULT '',
		risk_score      REAL NOT NULL DEFAULT 0,
		last_scanned_at TIMESTAMP,
		verified_publ   INTEGER NOT NULL DEFAULT 0,
		archived        INTEGER NOT NULL DEFAULT 0,
		missing_streak  INTEGER NOT NULL DEFAULT 0,
		indexed_at      TIMESTAMP NOT NULL,
		last_refreshed  TIMESTAMP NOT NULL,
		UNIQUE(author, name)
	);

	CREATE INDEX IF NOT EXISTS idx_skills_score ON skills(archived, score DESC);
	CREATE INDEX IF NOT EXISTS idx_skills_tier ON skills(tier);
	CREATE INDEX IF NOT EXISTS idx_skills_category ON skills(category);
	CREATE INDEX IF NOT EXISTS idx_skills_hash ON skills(content_hash);

	CREATE TABLE IF NOT EXISTS skill_versions (
		skill_id          TEXT NOT NULL,
		version_label     TEXT NOT NULL DEFAULT '',
		upstream_revision TEXT NOT NULL,
		content_hash      TEXT NOT NULL,
		indexed_at        TIMESTAMP NOT NULL,
		PRIMARY KEY (skill_id, upstream_revision)
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		skill_id  TEXT PRIMARY KEY,
		dim       INTEGER NOT NULL,
		vector    TEXT NOT NULL,
		model_id  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS categories (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS skill_categories (
		skill_id    TEXT NOT NULL,
		category_id INTEGER NOT NULL,
		PRIMARY KEY (skill_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if s.ftsEnabled {
		fts := `CREATE VIRTUAL TABLE IF NOT EXISTS skills_fts USING fts5(
			skill_id UNINDEXED, name, description, author
		)`
		if _, err := s.db.Exec(fts); err != nil {
			return fmt.Errorf("failed to create lexical index: %w", err)
		}
	}

	if s.vecEnabled {
		vecTable := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS skills_vec USING vec0(
			skill_id TEXT PRIMARY KEY, embedding float[%d]
		)`, s.dims)
		if _, err := s.db.Exec(vecTable); err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}

	return nil
}

// migrations are forward-only, applied in order.
var migrations = []struct {
	version int
	stmt    string
}{
	// v1: install_hint column for local overlay promotion
	{1, "ALTER TABLE skills ADD COLUMN install_hint TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		logging.Get(logging.CategoryCatalog).Info("applied migration %d", m.version)
	}
	return nil
}

// GetDB exposes the underlying handle for tests.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// VecEnabled reports whether the vec0 extension is active.
func (s *Store) VecEnabled() bool {
	return s.vecEnabled
}

// GetStats returns row counts per table.
func (s *Store) GetStats() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	tables := []string{"skills", "skill_versions", "embeddings", "categories", "skill_categories"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("%w: failed to count %s: %v", ErrStorage, table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
